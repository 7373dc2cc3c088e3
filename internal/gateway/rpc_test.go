package gateway

import (
	"encoding/json"
	"testing"
)

func TestDecodeRequest_Valid(t *testing.T) {
	req, errResp := decodeRequest([]byte(`{"jsonrpc":"2.0","id":1,"method":"system.ping"}`))
	if errResp != nil {
		t.Fatalf("unexpected error response: %+v", errResp)
	}
	if req.Method != "system.ping" {
		t.Errorf("unexpected method %q", req.Method)
	}
	if req.IsNotification() {
		t.Error("request with id must not be a notification")
	}
}

func TestDecodeRequest_Notification(t *testing.T) {
	req, errResp := decodeRequest([]byte(`{"jsonrpc":"2.0","method":"session.clear"}`))
	if errResp != nil {
		t.Fatalf("unexpected error response: %+v", errResp)
	}
	if !req.IsNotification() {
		t.Error("request without id must be a notification")
	}
}

func TestDecodeRequest_NullID(t *testing.T) {
	req, errResp := decodeRequest([]byte(`{"jsonrpc":"2.0","id":null,"method":"system.ping"}`))
	if errResp != nil {
		t.Fatalf("unexpected error response: %+v", errResp)
	}
	if !req.IsNotification() {
		t.Error("an explicit null id must be treated as a notification")
	}
}

func TestDecodeRequest_ParseError(t *testing.T) {
	_, errResp := decodeRequest([]byte(`{not json`))
	if errResp == nil {
		t.Fatal("expected an error response")
	}
	if errResp.Error.Code != ErrCodeParseError {
		t.Errorf("expected %d, got %d", ErrCodeParseError, errResp.Error.Code)
	}
	if string(errResp.ID) != "null" {
		t.Errorf("parse errors carry a null id, got %s", errResp.ID)
	}
}

func TestDecodeRequest_BatchRejected(t *testing.T) {
	_, errResp := decodeRequest([]byte(`  [{"jsonrpc":"2.0","id":1,"method":"system.ping"}]`))
	if errResp == nil {
		t.Fatal("expected an error response")
	}
	if errResp.Error.Code != ErrCodeInvalidRequest {
		t.Errorf("expected %d, got %d", ErrCodeInvalidRequest, errResp.Error.Code)
	}
}

func TestDecodeRequest_WrongVersion(t *testing.T) {
	for _, frame := range []string{
		`{"jsonrpc":"1.0","id":1,"method":"system.ping"}`,
		`{"id":1,"method":"system.ping"}`,
		`{"jsonrpc":"2.0","id":1}`,
	} {
		_, errResp := decodeRequest([]byte(frame))
		if errResp == nil || errResp.Error.Code != ErrCodeInvalidRequest {
			t.Errorf("%s: expected invalid request, got %+v", frame, errResp)
		}
	}
}

func TestDecodeRequest_PositionalParams(t *testing.T) {
	_, errResp := decodeRequest([]byte(`{"jsonrpc":"2.0","id":7,"method":"chat.send","params":["hello"]}`))
	if errResp == nil {
		t.Fatal("expected an error response")
	}
	if errResp.Error.Code != ErrCodeInvalidParams {
		t.Errorf("expected %d, got %d", ErrCodeInvalidParams, errResp.Error.Code)
	}
	if string(errResp.ID) != "7" {
		t.Errorf("expected the request id echoed, got %s", errResp.ID)
	}
}

func TestDecodeRequest_StringID(t *testing.T) {
	req, errResp := decodeRequest([]byte(`{"jsonrpc":"2.0","id":"abc","method":"system.ping"}`))
	if errResp != nil {
		t.Fatalf("unexpected error response: %+v", errResp)
	}
	resp, err := json.Marshal(newResponse(req.ID, "pong"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(resp) != `{"jsonrpc":"2.0","id":"abc","result":"pong"}` {
		t.Errorf("unexpected wire form %s", resp)
	}
}

func TestResponseWireFormat(t *testing.T) {
	resp, err := json.Marshal(newResponse(json.RawMessage("1"), "pong"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(resp) != `{"jsonrpc":"2.0","id":1,"result":"pong"}` {
		t.Errorf("unexpected wire form %s", resp)
	}

	errResp, err := json.Marshal(newErrorResponse(json.RawMessage("2"), ErrCodeMethodNotFound, "method not found: bogus"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"method not found: bogus"}}`
	if string(errResp) != want {
		t.Errorf("expected %s, got %s", want, errResp)
	}
}

func TestNotificationWireFormat(t *testing.T) {
	note, err := json.Marshal(newNotification("agent.thinking", map[string]any{"status": "processing"}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"jsonrpc":"2.0","method":"agent.thinking","params":{"status":"processing"}}`
	if string(note) != want {
		t.Errorf("expected %s, got %s", want, note)
	}
}
