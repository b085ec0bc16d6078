package mcp

import "encoding/json"

// ProtocolVersion is the MCP protocol revision the hub speaks downstream.
const ProtocolVersion = "2025-06-18"

// Well-known JSON-RPC methods the hub understands. Everything else is
// routed to an upstream or rejected with -32601.
const (
	MethodInitialize            = "initialize"
	MethodPing                  = "ping"
	MethodShutdown              = "shutdown"
	MethodToolsList             = "tools/list"
	MethodToolsCall             = "tools/call"
	MethodResourcesList         = "resources/list"
	MethodResourcesRead         = "resources/read"
	MethodPromptsList           = "prompts/list"
	MethodPromptsGet            = "prompts/get"
	MethodNotifyInitialized     = "notifications/initialized"
	MethodNotifyProgress        = "notifications/progress"
	MethodNotifyCancelled       = "notifications/cancelled"
	MethodNotifyToolsChanged    = "notifications/tools/list_changed"
	MethodNotifyResourcesChange = "notifications/resources/list_changed"
	MethodNotifyPromptsChanged  = "notifications/prompts/list_changed"
)

// JSON-RPC 2.0 error codes used on the downstream wire.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Tool describes one tool exposed by an upstream server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Resource describes one resource exposed by an upstream server.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Prompt describes one prompt exposed by an upstream server.
type Prompt struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
}

// ServerInfo identifies an MCP server implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeResult is the result of the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
}

// ToolsListResult is the result payload of tools/list.
type ToolsListResult struct {
	Tools []Tool `json:"tools"`
}

// ResourcesListResult is the result payload of resources/list.
type ResourcesListResult struct {
	Resources []Resource `json:"resources"`
}

// PromptsListResult is the result payload of prompts/list.
type PromptsListResult struct {
	Prompts []Prompt `json:"prompts"`
}

// Capabilities is the cached listing snapshot for one upstream:
// everything the hub needs to merge the upstream into its namespace.
type Capabilities struct {
	Tools           []Tool     `json:"tools"`
	Resources       []Resource `json:"resources"`
	Prompts         []Prompt   `json:"prompts"`
	ServerInfo      ServerInfo `json:"serverInfo"`
	ProtocolVersion string     `json:"protocolVersion"`
}

// NewRequest builds the wire form of a JSON-RPC request with a numeric id.
// IDs are rendered directly into the JSON so the bytes round-trip without
// going through the SDK's ID type.
func NewRequest(id int64, method string, params interface{}) ([]byte, error) {
	env := struct {
		JSONRPC string      `json:"jsonrpc"`
		ID      int64       `json:"id"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
	}{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}
	return json.Marshal(env)
}

// NewNotification builds the wire form of a JSON-RPC notification (no id).
func NewNotification(method string, params interface{}) ([]byte, error) {
	env := struct {
		JSONRPC string      `json:"jsonrpc"`
		Method  string      `json:"method"`
		Params  interface{} `json:"params,omitempty"`
	}{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	}
	return json.Marshal(env)
}

// NewResultResponse builds the wire form of a JSON-RPC success response.
// The id is spliced in raw to preserve the caller's original format.
func NewResultResponse(id json.RawMessage, result interface{}) ([]byte, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	env := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Result  json.RawMessage `json:"result"`
	}{
		JSONRPC: "2.0",
		ID:      id,
		Result:  resultJSON,
	}
	return json.Marshal(env)
}

// NewErrorResponse builds the wire form of a JSON-RPC error response.
// data may be nil.
func NewErrorResponse(id json.RawMessage, code int, message string, data interface{}) ([]byte, error) {
	type errBody struct {
		Code    int         `json:"code"`
		Message string      `json:"message"`
		Data    interface{} `json:"data,omitempty"`
	}
	env := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Error   errBody         `json:"error"`
	}{
		JSONRPC: "2.0",
		ID:      id,
		Error: errBody{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
	return json.Marshal(env)
}
