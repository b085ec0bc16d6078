package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/hatago-mcp/hatago/internal/domain/capability"
	"github.com/hatago-mcp/hatago/internal/domain/upstream"
	"github.com/hatago-mcp/hatago/internal/port/outbound"
	"github.com/hatago-mcp/hatago/pkg/mcp"
)

// makeMsg builds a downstream request message the way the inbound
// adapters do.
func makeMsg(t *testing.T, id int64, method string, params interface{}, sessionID string) *mcp.Message {
	t.Helper()
	raw, err := mcp.NewRequest(id, method, params)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := mcp.WrapMessage(raw, mcp.ClientToServer)
	if err != nil {
		t.Fatal(err)
	}
	msg.SessionID = sessionID
	return msg
}

func makeNotification(t *testing.T, method string, params interface{}, sessionID string) *mcp.Message {
	t.Helper()
	raw, err := mcp.NewNotification(method, params)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := mcp.WrapMessage(raw, mcp.ClientToServer)
	if err != nil {
		t.Fatal(err)
	}
	msg.SessionID = sessionID
	return msg
}

type wireResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Kind       string `json:"kind"`
			UpstreamID string `json:"upstreamId"`
		} `json:"data"`
	} `json:"error"`
}

func decodeResponse(t *testing.T, raw []byte) wireResponse {
	t.Helper()
	if raw == nil {
		t.Fatal("nil response")
	}
	var resp wireResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

// newTestHub builds a hub over fake transports, one per server spec.
func newTestHub(t *testing.T, servers map[string]*fakeUpstream) (*Hub, *capability.Registry) {
	t.Helper()
	registry := capability.NewRegistry(capability.Naming{})
	m := NewManager(registry, nil, testLogger(),
		WithTransportFactory(func(spec *upstream.Spec, _ *slog.Logger) outbound.Transport {
			srv, ok := servers[spec.ID]
			if !ok {
				t.Fatalf("no fake upstream for %q", spec.ID)
			}
			return newFakeTransport(srv)
		}),
		WithTimeouts(shortTimeouts()),
	)
	hub := NewHub(registry, m, nil, nil, shortTimeouts(), testLogger())
	t.Cleanup(hub.Stop)

	for id := range servers {
		if err := m.AddServer(echoSpec(id)); err != nil {
			t.Fatal(err)
		}
	}
	return hub, registry
}

func TestInitializeAnswersLocally(t *testing.T) {
	hub, _ := newTestHub(t, nil)

	resp := decodeResponse(t, hub.Handle(context.Background(),
		makeMsg(t, 1, mcp.MethodInitialize, map[string]interface{}{
			"protocolVersion": "2025-03-26",
			"clientInfo":      map[string]string{"name": "inspector"},
		}, "")))
	if resp.Error != nil {
		t.Fatalf("initialize error: %+v", resp.Error)
	}

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.ProtocolVersion != mcp.ProtocolVersion {
		t.Errorf("protocolVersion = %q", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "hatago" {
		t.Errorf("serverInfo.name = %q", result.ServerInfo.Name)
	}
}

func TestPingAndShutdown(t *testing.T) {
	hub, _ := newTestHub(t, nil)

	for i, method := range []string{mcp.MethodPing, mcp.MethodShutdown} {
		resp := decodeResponse(t, hub.Handle(context.Background(),
			makeMsg(t, int64(i+1), method, nil, "")))
		if resp.Error != nil {
			t.Errorf("%s error: %+v", method, resp.Error)
		}
	}
}

func TestToolCallActivatesAndRewritesName(t *testing.T) {
	srv := &fakeUpstream{tools: []mcp.Tool{{Name: "echo"}}}
	hub, registry := newTestHub(t, map[string]*fakeUpstream{"fake": srv})

	// Prime the registry the way a metadata cache restore would, so the
	// public name resolves before first activation.
	if err := registry.RegisterUpstream("fake",
		&mcp.Capabilities{Tools: srv.tools}, capability.Filter{}); err != nil {
		t.Fatal(err)
	}

	resp := decodeResponse(t, hub.Handle(context.Background(),
		makeMsg(t, 1, mcp.MethodToolsCall, map[string]interface{}{
			"name":      "echo_fake",
			"arguments": map[string]string{"text": "hi"},
		}, "")))
	if resp.Error != nil {
		t.Fatalf("tools/call error: %+v", resp.Error)
	}

	params := srv.callParams(t, 0)
	if params["name"] != "echo" {
		t.Errorf("forwarded name = %v, want original", params["name"])
	}
}

func TestUnknownToolIsToolNotFound(t *testing.T) {
	hub, _ := newTestHub(t, nil)

	resp := decodeResponse(t, hub.Handle(context.Background(),
		makeMsg(t, 1, mcp.MethodToolsCall, map[string]interface{}{
			"name": "nope",
		}, "")))
	if resp.Error == nil {
		t.Fatal("expected an error")
	}
	if resp.Error.Code != mcp.CodeMethodNotFound {
		t.Errorf("code = %d", resp.Error.Code)
	}
	if resp.Error.Data.Kind != "TOOL_NOT_FOUND" {
		t.Errorf("kind = %q", resp.Error.Data.Kind)
	}
}

func TestListsAggregateAcrossUpstreams(t *testing.T) {
	alpha := &fakeUpstream{tools: []mcp.Tool{{Name: "z"}, {Name: "y"}}}
	beta := &fakeUpstream{tools: []mcp.Tool{{Name: "a"}}}
	hub, _ := newTestHub(t, map[string]*fakeUpstream{"alpha": alpha, "beta": beta})

	m := hub.Manager()
	for _, id := range []string{"alpha", "beta"} {
		if _, err := m.EnsureReady(context.Background(), id, false); err != nil {
			t.Fatal(err)
		}
	}

	resp := decodeResponse(t, hub.Handle(context.Background(),
		makeMsg(t, 1, mcp.MethodToolsList, nil, "")))
	var result mcp.ToolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}

	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	want := []string{"y_alpha", "z_alpha", "a_beta"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Errorf("tools = %v, want %v", names, want)
	}
}

func TestProgressForwardedToSessionStream(t *testing.T) {
	srv := &fakeUpstream{tools: []mcp.Tool{{Name: "slow"}}, progressSteps: 2}
	hub, registry := newTestHub(t, map[string]*fakeUpstream{"fake": srv})
	if err := registry.RegisterUpstream("fake",
		&mcp.Capabilities{Tools: srv.tools}, capability.Filter{}); err != nil {
		t.Fatal(err)
	}

	var got []string
	cancel := hub.Subscribe("s1", func(raw []byte) {
		var probe struct {
			Method string `json:"method"`
		}
		_ = json.Unmarshal(raw, &probe)
		got = append(got, probe.Method)
	})
	defer cancel()

	resp := decodeResponse(t, hub.Handle(context.Background(),
		makeMsg(t, 1, mcp.MethodToolsCall, map[string]interface{}{
			"name": "slow_fake",
			"_meta": map[string]interface{}{
				"progressToken": "tok-1",
			},
		}, "s1")))
	if resp.Error != nil {
		t.Fatalf("tools/call error: %+v", resp.Error)
	}

	if len(got) != 2 {
		t.Fatalf("progress notifications = %d, want 2", len(got))
	}
	for _, method := range got {
		if method != mcp.MethodNotifyProgress {
			t.Errorf("forwarded method = %q", method)
		}
	}
}

func TestPassthroughMethodRoutesToUpstream(t *testing.T) {
	srv := &fakeUpstream{}
	hub, _ := newTestHub(t, map[string]*fakeUpstream{"fake": srv})

	resp := decodeResponse(t, hub.Handle(context.Background(),
		makeMsg(t, 1, "fake__ping", nil, "")))
	if resp.Error != nil {
		t.Fatalf("passthrough error: %+v", resp.Error)
	}
}

func TestUnknownMethodRejected(t *testing.T) {
	hub, _ := newTestHub(t, nil)

	resp := decodeResponse(t, hub.Handle(context.Background(),
		makeMsg(t, 1, "no/such/method", nil, "")))
	if resp.Error == nil || resp.Error.Code != mcp.CodeMethodNotFound {
		t.Fatalf("response = %+v, want -32601", resp.Error)
	}
}

func TestNotificationsProduceNoResponse(t *testing.T) {
	hub, _ := newTestHub(t, nil)

	if resp := hub.Handle(context.Background(),
		makeNotification(t, mcp.MethodNotifyInitialized, nil, "")); resp != nil {
		t.Errorf("notification got a response: %s", resp)
	}
}
