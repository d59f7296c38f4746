package main

import "testing"

func TestWSURLFor(t *testing.T) {
	cases := []struct {
		name    string
		baseURL string
		want    string
		wantErr bool
	}{
		{name: "http", baseURL: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080/v1/realtime/ws"},
		{name: "https", baseURL: "https://relay.example.com", want: "wss://relay.example.com/v1/realtime/ws"},
		{name: "trailing slash", baseURL: "http://localhost:9000/", want: "ws://localhost:9000/v1/realtime/ws"},
		{name: "subpath", baseURL: "http://localhost:9000/jamie", want: "ws://localhost:9000/jamie/v1/realtime/ws"},
		{name: "already ws", baseURL: "ws://localhost:9000", want: "ws://localhost:9000/v1/realtime/ws"},
		{name: "bad scheme", baseURL: "ftp://localhost", wantErr: true},
		{name: "no host", baseURL: "http://", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := wsURLFor(tc.baseURL)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("wsURLFor(%q) = %q, want error", tc.baseURL, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("wsURLFor(%q) error = %v", tc.baseURL, err)
			}
			if got != tc.want {
				t.Fatalf("wsURLFor(%q) = %q, want %q", tc.baseURL, got, tc.want)
			}
		})
	}
}
