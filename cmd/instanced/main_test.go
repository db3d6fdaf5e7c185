package main

import "testing"

func TestServeMode(t *testing.T) {
	cases := []struct {
		name     string
		cert     string
		key      string
		insecure bool
		wantTLS  bool
		wantErr  bool
	}{
		{"cert and key", "server.crt", "server.key", false, true, false},
		{"nothing", "", "", false, false, true},
		{"cert without key", "server.crt", "", false, false, true},
		{"key without cert", "", "server.key", false, false, true},
		{"insecure dev mode", "", "", true, false, false},
		{"cert wins over insecure", "server.crt", "server.key", true, true, false},
	}
	for _, c := range cases {
		useTLS, err := serveMode(c.cert, c.key, c.insecure)
		if (err != nil) != c.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", c.name, err, c.wantErr)
		}
		if useTLS != c.wantTLS {
			t.Errorf("%s: useTLS = %v, want %v", c.name, useTLS, c.wantTLS)
		}
	}
}
