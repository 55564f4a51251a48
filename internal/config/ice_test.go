package config

import "testing"

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	raw := `[
	  {"urls": "stun:stun.example.com:3478"},
	  {"urls": ["turn:turn.example.com:3478?transport=udp"], "username": "user", "credential": "pass"}
	]`

	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected stun urls: %#v", got)
	}
	if servers[1].Username != "user" || servers[1].Credential != "pass" {
		t.Fatalf("unexpected turn server: %#v", servers[1])
	}
}

func TestParseICEServersJSON_RejectsTURNWithoutCreds(t *testing.T) {
	t.Parallel()

	if _, err := ParseICEServersJSON(`[{"urls":["turn:turn.example.com"]}]`); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := ParseICEServersJSON(`[{"urls":["http://example.com"]}]`); err == nil {
		t.Fatalf("expected scheme error")
	}
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersFromConvenienceEnv("", "", "", "")
	if err != nil || len(servers) != 1 || servers[0].URLs[0] != defaultStunURL {
		t.Fatalf("expected default stun server, got %#v (%v)", servers, err)
	}

	servers, err = ParseICEServersFromConvenienceEnv("stun:a:3478", "turn:b:3478, turns:b:5349", "u", "p")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(servers) != 2 || len(servers[1].URLs) != 2 {
		t.Fatalf("unexpected servers: %#v", servers)
	}

	if _, err := ParseICEServersFromConvenienceEnv("", "turn:b:3478", "u", ""); err == nil {
		t.Fatalf("expected error for missing credential")
	}
}
