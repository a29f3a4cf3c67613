package transport

import "testing"

func TestParseListenURLStdio(t *testing.T) {
	target, err := ParseListenURL("stdio://")
	if err != nil {
		t.Fatalf("stdio listen URL should parse: %v", err)
	}
	if target.Kind != KindStdio {
		t.Fatalf("expected KindStdio, got %v", target.Kind)
	}
}

func TestParseListenURLWebSocket(t *testing.T) {
	target, err := ParseListenURL("ws://127.0.0.1:1234")
	if err != nil {
		t.Fatalf("websocket listen URL should parse: %v", err)
	}
	if target.Kind != KindWebSocket || target.BindAddress != "127.0.0.1:1234" {
		t.Fatalf("unexpected target: %+v", target)
	}
}

func TestParseListenURLRejectsHostname(t *testing.T) {
	_, err := ParseListenURL("ws://localhost:1234")
	want := "invalid websocket --listen URL `ws://localhost:1234`; expected `ws://IP:PORT`"
	if err == nil || err.Error() != want {
		t.Fatalf("expected %q, got %v", want, err)
	}
}

func TestParseListenURLRejectsUnsupportedScheme(t *testing.T) {
	_, err := ParseListenURL("http://127.0.0.1:1234")
	want := "unsupported --listen URL `http://127.0.0.1:1234`; expected `stdio://` or `ws://IP:PORT`"
	if err == nil || err.Error() != want {
		t.Fatalf("expected %q, got %v", want, err)
	}
}
