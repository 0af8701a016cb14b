package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	// Version is the wire protocol revision spoken by this module.
	Version        = "2025-11-25"
	JSONRPCVersion = "2.0"

	// Older revisions still accepted during the initialize handshake.
	VersionLegacy = "2025-06-18"
)

// JSON-RPC 2.0 standard error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Application error codes carried in JSONRPCError.Code. The Data field
// holds an errorDetail object with the machine-readable kind.
const (
	CodeUnknownTool  = -32000
	CodeToolRejected = -32001
	CodeUnknownTask  = -32002
	CodeNotReady     = -32003
	CodeUnauthorized = -32004
)

type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

type ContentType string

const (
	ContentTypeText         ContentType = "text"
	ContentTypeImage        ContentType = "image"
	ContentTypeResourceLink ContentType = "resource_link"
	ContentTypeResource     ContentType = "resource"
)

type TextContent struct {
	Type ContentType `json:"type"`
	Text string      `json:"text"`
}

type ImageContent struct {
	Type     ContentType `json:"type"`
	Data     string      `json:"data"`
	MimeType string      `json:"mimeType"`
}

// ResourceLinkContent points at content the receiver must fetch itself.
type ResourceLinkContent struct {
	Type        ContentType `json:"type"`
	URI         string      `json:"uri"`
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
	MimeType    string      `json:"mimeType,omitempty"`
}

// EmbeddedResourceContent carries the resource bytes inline, either as
// text or as a base64 blob.
type EmbeddedResourceContent struct {
	Type     ContentType      `json:"type"`
	Resource ResourceContents `json:"resource"`
}

type ResourceContents struct {
	URI      string `json:"uri"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

type Content interface {
	GetType() ContentType
}

func (tc TextContent) GetType() ContentType              { return tc.Type }
func (ic ImageContent) GetType() ContentType             { return ic.Type }
func (rlc ResourceLinkContent) GetType() ContentType     { return rlc.Type }
func (erc EmbeddedResourceContent) GetType() ContentType { return erc.Type }

func UnmarshalContent(data []byte) (Content, error) {
	var temp struct {
		Type ContentType `json:"type"`
	}

	if err := json.Unmarshal(data, &temp); err != nil {
		return nil, err
	}

	switch temp.Type {
	case ContentTypeImage:
		var ic ImageContent
		if err := json.Unmarshal(data, &ic); err != nil {
			return nil, err
		}
		return ic, nil
	case ContentTypeResourceLink:
		var rlc ResourceLinkContent
		if err := json.Unmarshal(data, &rlc); err != nil {
			return nil, err
		}
		return rlc, nil
	case ContentTypeResource:
		var erc EmbeddedResourceContent
		if err := json.Unmarshal(data, &erc); err != nil {
			return nil, err
		}
		return erc, nil
	default:
		// Unknown types degrade to text
		var tc TextContent
		if err := json.Unmarshal(data, &tc); err != nil {
			return nil, err
		}
		return tc, nil
	}
}

func NewTextContent(text string) TextContent {
	return TextContent{Type: ContentTypeText, Text: text}
}

func NewImageContent(data, mimeType string) ImageContent {
	return ImageContent{Type: ContentTypeImage, Data: data, MimeType: mimeType}
}

func NewResourceLinkContent(uri, name, mimeType string) ResourceLinkContent {
	return ResourceLinkContent{Type: ContentTypeResourceLink, URI: uri, Name: name, MimeType: mimeType}
}

func NewEmbeddedResourceContent(resource ResourceContents) EmbeddedResourceContent {
	return EmbeddedResourceContent{Type: ContentTypeResource, Resource: resource}
}

type ClientCapabilities struct {
	Elicitation  *ElicitationCapability `json:"elicitation,omitempty"`
	Experimental map[string]interface{} `json:"experimental,omitempty"`
}

type ServerCapabilities struct {
	Tools        *ToolsCapability       `json:"tools,omitempty"`
	Tasks        *TasksCapability       `json:"tasks,omitempty"`
	Experimental map[string]interface{} `json:"experimental,omitempty"`
}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ElicitationCapability declares that the client answers elicitation/create.
type ElicitationCapability struct{}

type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

type ServerInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeParams represents initialize request parameters
type InitializeParams struct {
	Meta            map[string]any     `json:"_meta,omitempty"`
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ClientInfo         `json:"clientInfo"`
}

// InitializeResult represents initialize response
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type InitializedParams struct {
	Meta map[string]any `json:"_meta,omitempty"`
}

type EmptyResult struct{}

// PingParams ping request parameters (empty parameters)
type PingParams struct {
	Meta map[string]any `json:"_meta,omitempty"`
}

type ToolListChangedParams struct {
	Meta map[string]any `json:"_meta,omitempty"`
}

// ProgressNotificationParams reports task progress. Progress is the
// current counter value and never decreases for a given task.
type ProgressNotificationParams struct {
	Meta     map[string]any `json:"_meta,omitempty"`
	TaskID   string         `json:"taskId"`
	Progress float64        `json:"progress"`
	Total    float64        `json:"total,omitempty"`
	Message  string         `json:"message,omitempty"`
}

// CancelledNotificationParams asks the peer to stop work on an in-flight request.
type CancelledNotificationParams struct {
	Meta      map[string]any `json:"_meta,omitempty"`
	RequestID any            `json:"requestId"`
	Reason    string         `json:"reason,omitempty"`
}

type JSONSchema map[string]interface{}

// IsVersionSupported checks if the protocol version is supported
func IsVersionSupported(version string) bool {
	for _, supported := range SupportedVersions() {
		if version == supported {
			return true
		}
	}
	return false
}

func SupportedVersions() []string {
	return []string{
		Version, // Latest version first
		VersionLegacy,
	}
}

func IDToString(id json.RawMessage) string {
	if len(id) == 0 {
		return ""
	}

	var strID string
	if err := json.Unmarshal(id, &strID); err == nil {
		return strID
	}

	var numID float64
	if err := json.Unmarshal(id, &numID); err == nil {
		if numID == float64(int64(numID)) {
			return fmt.Sprintf("%.0f", numID)
		}
		return fmt.Sprintf("%g", numID)
	}

	return string(id)
}

// StringToID converts string to JSON-RPC ID
func StringToID(id string) json.RawMessage {
	if id == "" {
		return nil
	}

	if num, err := strconv.ParseFloat(id, 64); err == nil {
		if num == float64(int64(num)) {
			return json.RawMessage(fmt.Sprintf("%.0f", num))
		}
		return json.RawMessage(fmt.Sprintf("%g", num))
	}

	idBytes, _ := json.Marshal(id)
	return idBytes
}

func (m *JSONRPCMessage) IsNotification() bool {
	return len(m.ID) == 0
}

func (m *JSONRPCMessage) GetIDString() string {
	return IDToString(m.ID)
}
