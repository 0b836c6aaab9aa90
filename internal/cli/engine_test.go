package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const (
	provisionalID = 1048576
	confirmedID   = 2097152
)

// fakeEngine is a websocket engine that walks the login chain, answers
// sends with a provisional message followed by its confirmation, and
// reports Closing then Closed on close.
type fakeEngine struct {
	srv *httptest.Server

	mu       sync.Mutex
	received []string
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	fe := &fakeEngine{}
	upgrader := websocket.Upgrader{}
	fe.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		write := func(obj map[string]any) bool {
			out, _ := json.Marshal(obj)
			return conn.WriteMessage(websocket.TextMessage, out) == nil
		}
		state := func(tag string) map[string]any {
			return map[string]any{
				"@type":               "updateAuthorizationState",
				"authorization_state": map[string]any{"@type": tag},
			}
		}

		if !write(state("authorizationStateWaitTdlibParameters")) {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req map[string]any
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			typ, _ := req["@type"].(string)
			fe.mu.Lock()
			fe.received = append(fe.received, typ)
			fe.mu.Unlock()

			extra := req["@extra"]
			ok := map[string]any{"@type": "ok", "@extra": extra}
			var replies []map[string]any
			switch typ {
			case "setTdlibParameters":
				replies = append(replies, ok, state("authorizationStateWaitPhoneNumber"))
			case "setAuthenticationPhoneNumber":
				replies = append(replies, ok, state("authorizationStateWaitCode"))
			case "checkAuthenticationCode":
				replies = append(replies, ok, state("authorizationStateReady"))
			case "getChat":
				replies = append(replies, map[string]any{"@type": "chat", "id": req["chat_id"], "@extra": extra})
			case "sendMessage":
				chatID := req["chat_id"]
				replies = append(replies,
					map[string]any{"@type": "message", "id": provisionalID, "chat_id": chatID, "@extra": extra},
					map[string]any{
						"@type":          "updateMessageSendSucceeded",
						"old_message_id": provisionalID,
						"message":        map[string]any{"@type": "message", "id": confirmedID, "chat_id": chatID},
					},
				)
			case "close":
				replies = append(replies, ok, state("authorizationStateClosing"), state("authorizationStateClosed"))
			case "getMe":
				replies = append(replies, map[string]any{"@type": "user", "id": 7, "@extra": extra})
			default:
				replies = append(replies, ok)
			}
			for _, reply := range replies {
				if !write(reply) {
					return
				}
			}
		}
	}))
	t.Cleanup(fe.srv.Close)
	return fe
}

func (fe *fakeEngine) url() string {
	return "ws" + strings.TrimPrefix(fe.srv.URL, "http")
}

func (fe *fakeEngine) requests() []string {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	out := make([]string, len(fe.received))
	copy(out, fe.received)
	return out
}

// writeConfig writes a configuration pointing at engineURL with a SQLite
// journal in dir and returns its path and the journal path.
func writeConfig(t *testing.T, dir, engineURL string) (string, string) {
	t.Helper()
	dbPath := filepath.Join(dir, "journal.db")
	content := `engine:
  url: ` + engineURL + `
request_timeout: 2s
ready_timeout: 5s
close_timeout: 2s
credentials:
  phone: "+15550100"
  code: "12345"
store:
  driver: sqlite3
  dsn: ` + dbPath + `
  trace: true
log:
  level: error
`
	path := filepath.Join(dir, "tdlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path, dbPath
}

// execute runs the root command with args and returns stdout, stderr and
// the returned error.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := NewRootCommand()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

// decodeData unmarshals the data field of a JSON CLI response into v.
func decodeData(t *testing.T, out string, v any) CLIResponse {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *CLIError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	if v != nil && len(resp.Data) > 0 {
		require.NoError(t, json.Unmarshal(resp.Data, v))
	}
	return CLIResponse{Status: resp.Status, Error: resp.Error}
}
