package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeClientHello(t *testing.T) {
	msg, err := DecodeClient([]byte(`{"type":"HELLO","sessionToken":"abc"}`), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Hello == nil || msg.Hello.SessionToken != "abc" {
		t.Fatalf("got %+v", msg)
	}
}

func TestDecodeClientHelloRejectsEmptyToken(t *testing.T) {
	if _, err := DecodeClient([]byte(`{"type":"HELLO","sessionToken":""}`), false); err == nil {
		t.Errorf("expected error for empty sessionToken")
	}
}

func TestDecodeClientJoinLobbyPublicRejectsBotTxHash(t *testing.T) {
	raw := []byte(`{"type":"JOIN_LOBBY","lobbyId":1,"paymentTxHash":"0xbot_tx_1234"}`)
	if _, err := DecodeClient(raw, false); err == nil {
		t.Errorf("expected public port to reject a non-hex tx hash")
	}
	if _, err := DecodeClient(raw, true); err != nil {
		t.Errorf("expected admin port to accept a bot tx hash, got %v", err)
	}
}

func TestDecodeClientJoinLobbyAcceptsRealTxHash(t *testing.T) {
	hash := "0x" + repeat("a", 64)
	raw := []byte(`{"type":"JOIN_LOBBY","lobbyId":2,"paymentTxHash":"` + hash + `"}`)
	msg, err := DecodeClient(raw, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.JoinLobby.LobbyID != 2 {
		t.Errorf("got lobbyId %d", msg.JoinLobby.LobbyID)
	}
}

func TestDecodeClientInputWithDirection(t *testing.T) {
	msg, err := DecodeClient([]byte(`{"type":"INPUT","sequence":5,"dirX":1,"dirY":-1}`), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Input.HasTarget {
		t.Errorf("expected direction input, got target input")
	}
	if msg.Input.DirX != 1 || msg.Input.DirY != -1 {
		t.Errorf("got dirX=%d dirY=%d", msg.Input.DirX, msg.Input.DirY)
	}
}

func TestDecodeClientInputWithTarget(t *testing.T) {
	msg, err := DecodeClient([]byte(`{"type":"INPUT","sequence":5,"targetX":12.5,"targetY":-3}`), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !msg.Input.HasTarget {
		t.Errorf("expected target input")
	}
	if msg.Input.TargetX != 12.5 || msg.Input.TargetY != -3 {
		t.Errorf("got target %v,%v", msg.Input.TargetX, msg.Input.TargetY)
	}
}

func TestDecodeClientInputRejectsOutOfRangeDirection(t *testing.T) {
	if _, err := DecodeClient([]byte(`{"type":"INPUT","sequence":1,"dirX":2,"dirY":0}`), false); err == nil {
		t.Errorf("expected error for dirX outside {-1,0,1}")
	}
}

func TestDecodeClientRejectsUnknownType(t *testing.T) {
	if _, err := DecodeClient([]byte(`{"type":"NOT_A_REAL_TYPE"}`), false); err == nil {
		t.Errorf("expected unknown type to be rejected")
	}
}

func TestEncodeServerInjectsType(t *testing.T) {
	raw, err := EncodeServer(TypeSnapshot, SnapshotPayload{
		Tick:    42,
		Players: []PlayerSnapshot{{ID: "p1", X: 1.005, Y: 2, Alive: true, Role: "rock"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("produced invalid JSON: %v", err)
	}
	if decoded["type"] != TypeSnapshot {
		t.Errorf("type = %v, want %v", decoded["type"], TypeSnapshot)
	}
	if decoded["tick"].(float64) != 42 {
		t.Errorf("tick = %v", decoded["tick"])
	}
}

func TestEncodeServerErrorPayloadUsesCanonicalMessage(t *testing.T) {
	raw, err := EncodeServer(TypeError, NewErrorPayload(ErrLobbyFull))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded ErrorPayload
	var wrapper struct {
		Type string `json:"type"`
		ErrorPayload
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	decoded = wrapper.ErrorPayload
	if decoded.Code != int(ErrLobbyFull) {
		t.Errorf("code = %d, want %d", decoded.Code, int(ErrLobbyFull))
	}
	if decoded.Message != "lobby full" {
		t.Errorf("message = %q", decoded.Message)
	}
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s[0])
	}
	return string(out)
}
