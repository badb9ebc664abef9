package ipc

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), DefaultSocketName)
	srv := NewServer(socketPath)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	client := NewClient(socketPath)
	client.SetTimeout(5 * time.Second)
	return srv, client
}

func TestRequestResponse(t *testing.T) {
	srv, client := startTestServer(t)

	srv.Handle("status", func(req *Request) *Response {
		return SuccessResponse(map[string]string{"status": "idle"})
	})

	resp, err := client.SendCommand("status", nil)
	require.NoError(t, err)
	require.True(t, resp.Success)

	var data map[string]string
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "idle", data["status"])
}

func TestParamsRoundTrip(t *testing.T) {
	srv, client := startTestServer(t)

	type buildParams struct {
		Reason string `json:"reason"`
	}

	srv.Handle("build", func(req *Request) *Response {
		var p buildParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		return SuccessResponse(map[string]string{"enqueued": p.Reason})
	})

	resp, err := client.SendCommand("build", buildParams{Reason: "manual"})
	require.NoError(t, err)
	require.True(t, resp.Success)

	var data map[string]string
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	assert.Equal(t, "manual", data["enqueued"])
}

func TestUnknownCommand(t *testing.T) {
	_, client := startTestServer(t)

	resp, err := client.SendCommand("bogus", nil)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeUnknownCommand, resp.Error.Code)
}

func TestProtocolMismatch(t *testing.T) {
	_, client := startTestServer(t)

	resp, err := client.Send(&Request{ProtocolVersion: 99, Command: "status"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, ErrCodeProtocolMismatch, resp.Error.Code)
}

func TestErrorResponseCodes(t *testing.T) {
	srv, client := startTestServer(t)

	srv.Handle("rollback", func(req *Request) *Response {
		return ErrorResponse(ErrCodeNoBackup, "no backup available")
	})

	resp, err := client.SendCommand("rollback", nil)
	require.NoError(t, err)
	require.False(t, resp.Success)
	assert.Equal(t, ErrCodeNoBackup, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "no backup")
}

func TestClientCall_DecodesPayload(t *testing.T) {
	srv, client := startTestServer(t)

	srv.Handle("status", func(req *Request) *Response {
		return SuccessResponse(map[string]string{"status": "idle"})
	})

	data, err := client.Call("status", nil)
	require.NoError(t, err)
	assert.Equal(t, "idle", data["status"])
}

func TestClientCall_SurfacesErrorCode(t *testing.T) {
	srv, client := startTestServer(t)

	srv.Handle("rollback", func(req *Request) *Response {
		return ErrorResponse(ErrCodeNoBackup, "no backup available")
	})

	_, err := client.Call("rollback", nil)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, ErrCodeNoBackup, cmdErr.Code)
	assert.Contains(t, cmdErr.Error(), "no backup")
}

func TestClientTypedHelpers(t *testing.T) {
	srv, client := startTestServer(t)

	srv.Handle("ping", func(req *Request) *Response {
		return SuccessResponse(nil)
	})
	srv.Handle("build", func(req *Request) *Response {
		var p struct {
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		return SuccessResponse(map[string]string{"reason": p.Reason})
	})

	require.NoError(t, client.Ping())

	data, err := client.EnqueueBuild("manual")
	require.NoError(t, err)
	assert.Equal(t, "manual", data["reason"])
}

func TestHandlerPanicDoesNotKillServer(t *testing.T) {
	srv, client := startTestServer(t)

	srv.Handle("boom", func(req *Request) *Response {
		panic("handler exploded")
	})
	srv.Handle("ping", func(req *Request) *Response {
		return SuccessResponse(nil)
	})

	// The panicking request fails at the transport level but the server
	// must keep serving.
	_, _ = client.SendCommand("boom", nil)

	resp, err := client.SendCommand("ping", nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}
