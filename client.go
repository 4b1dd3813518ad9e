// Package chatsync implements the Souqly marketplace conversation
// synchronization engine: a client for the authoritative chat REST API plus
// the websocket push transport, with local stores that stay consistent no
// matter which channel reports a state transition first.
//
// Example:
//
//	client := chatsync.NewClient(token)
//	engine := chatsync.NewEngine(client, chatsync.Identity{
//		UserRef: "user-42", DisplayName: "Ada", Role: chatsync.RoleCustomer,
//	}, nil)
//
//	engine.Connect(ctx)
//	engine.LoadConversations(ctx)
//	engine.OpenConversation(ctx, convID)
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the production conversation service endpoint.
	DefaultBaseURL = "https://api.souqly.io"

	// DefaultTimeout bounds every direct call to the service.
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the authoritative-source REST client. It performs direct calls
// only; push events arrive separately over the ConnectionManager.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	Conversations *ConversationsClient
	Messages      *MessagesClient
	Files         *FilesClient
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the service endpoint.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient supplies a custom *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger attaches a structured logger; the default discards nothing and
// writes to slog's default handler.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a conversation service client authenticated by token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Conversations = &ConversationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Files = &FilesClient{c: c}
	return c
}

// SetToken replaces the auth token, e.g. after a credential refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured service endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

// Token returns the current auth token.
func (c *Client) Token() string { return c.token }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) (*APIResult, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result APIResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !result.OK {
		c.logger.Debug("request rejected",
			"method", method, "path", path, "error", result.Err())
	}
	return &result, nil
}

// decode runs a request and unmarshals the data payload into T.
func decode[T any](res *APIResult, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var out T
	if err := res.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response data: %w", err)
	}
	return &out, nil
}

// ============================================================================
// ConversationsClient
// ============================================================================

// ConversationsClient covers conversation-level direct calls.
type ConversationsClient struct{ c *Client }

// List fetches the full conversation list, all statuses, for the identity.
func (cc *ConversationsClient) List(ctx context.Context) ([]*Conversation, error) {
	out, err := decode[[]*Conversation](cc.c.doRequest(ctx, "GET", "/api/chat/conversations", nil, nil))
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// Get fetches one conversation by id.
func (cc *ConversationsClient) Get(ctx context.Context, id string) (*Conversation, error) {
	return decode[Conversation](cc.c.doRequest(ctx, "GET", "/api/chat/conversations/"+id, nil, nil))
}

// CreateOrGet returns the conversation between the caller and counterparty
// about a listing, creating it on first contact. The server call is
// idempotent: a second attempt returns the existing thread.
func (cc *ConversationsClient) CreateOrGet(ctx context.Context, listingRef, counterpartyRef string) (*Conversation, error) {
	body := map[string]string{
		"listingRef":      listingRef,
		"counterpartyRef": counterpartyRef,
	}
	return decode[Conversation](cc.c.doRequest(ctx, "POST", "/api/chat/conversations", body, nil))
}

// SetStatus performs a status transition and returns the full updated
// conversation object, which callers apply wholesale.
func (cc *ConversationsClient) SetStatus(ctx context.Context, id string, status Status, reason string) (*Conversation, error) {
	body := map[string]string{"status": string(status)}
	if reason != "" {
		body["reason"] = reason
	}
	return decode[Conversation](cc.c.doRequest(ctx, "PATCH", "/api/chat/conversations/"+id+"/status", body, nil))
}

// Delete removes a conversation for the caller.
func (cc *ConversationsClient) Delete(ctx context.Context, id string) error {
	res, err := cc.c.doRequest(ctx, "DELETE", "/api/chat/conversations/"+id, nil, nil)
	if err != nil {
		return err
	}
	return res.Err()
}

// MarkRead advances the caller's read cursor on the server.
func (cc *ConversationsClient) MarkRead(ctx context.Context, id string) error {
	res, err := cc.c.doRequest(ctx, "POST", "/api/chat/conversations/"+id+"/read", nil, nil)
	if err != nil {
		return err
	}
	return res.Err()
}

// ============================================================================
// MessagesClient
// ============================================================================

// MessagesClient covers message-level direct calls.
type MessagesClient struct{ c *Client }

// List fetches the message history for one conversation, oldest first.
func (mc *MessagesClient) List(ctx context.Context, conversationID string) ([]*Message, error) {
	out, err := decode[[]*Message](mc.c.doRequest(ctx, "GET", "/api/chat/conversations/"+conversationID+"/messages", nil, nil))
	if err != nil {
		return nil, err
	}
	return *out, nil
}

// Delete removes a message permanently.
func (mc *MessagesClient) Delete(ctx context.Context, id string) error {
	res, err := mc.c.doRequest(ctx, "DELETE", "/api/chat/messages/"+id, nil, nil)
	if err != nil {
		return err
	}
	return res.Err()
}

// ============================================================================
// FilesClient
// ============================================================================

// FilesClient handles attachment uploads: presign, upload, confirm, then
// send the resulting reference as a message.
type FilesClient struct{ c *Client }

type presignResult struct {
	UploadID string            `json:"uploadId"`
	URL      string            `json:"url"`
	Fields   map[string]string `json:"fields,omitempty"`
}

type confirmResult struct {
	FileRef  string `json:"fileRef"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
}

// maxAttachmentSize caps uploads at the service limit.
const maxAttachmentSize = 25 * 1024 * 1024

// UploadAttachmentMessage uploads data and sends it as an image or file
// message in conversationID. Text, when non-empty, becomes the caption.
func (fc *FilesClient) UploadAttachmentMessage(ctx context.Context, conversationID, fileName string, data []byte, text string) (*Message, error) {
	if fileName == "" {
		return nil, fmt.Errorf("fileName is required")
	}
	if int64(len(data)) > maxAttachmentSize {
		return nil, fmt.Errorf("attachment exceeds maximum size of 25 MB")
	}
	mimeType := guessMimeType(fileName)

	confirmed, err := fc.upload(ctx, fileName, data, mimeType)
	if err != nil {
		return nil, err
	}

	kind := ContentFile
	if strings.HasPrefix(mimeType, "image/") {
		kind = ContentImage
	}
	body := map[string]interface{}{
		"content": map[string]interface{}{
			"kind":     string(kind),
			"text":     text,
			"fileRef":  confirmed.FileRef,
			"fileName": confirmed.FileName,
		},
	}
	return decode[Message](fc.c.doRequest(ctx, "POST", "/api/chat/conversations/"+conversationID+"/messages", body, nil))
}

func (fc *FilesClient) upload(ctx context.Context, fileName string, data []byte, mimeType string) (*confirmResult, error) {
	presigned, err := decode[presignResult](fc.c.doRequest(ctx, "POST", "/api/chat/files/presign", map[string]interface{}{
		"fileName": fileName,
		"fileSize": len(data),
		"mimeType": mimeType,
	}, nil))
	if err != nil {
		return nil, fmt.Errorf("presign: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	external := strings.HasPrefix(presigned.URL, "http")
	if external {
		for k, v := range presigned.Fields {
			_ = w.WriteField(k, v)
		}
	}
	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	uploadURL := presigned.URL
	if !external {
		uploadURL = fc.c.baseURL + presigned.URL
	}
	req, err := http.NewRequestWithContext(ctx, "POST", uploadURL, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if !external && fc.c.token != "" {
		req.Header.Set("Authorization", "Bearer "+fc.c.token)
	}

	resp, err := fc.c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("upload failed (%d): %s", resp.StatusCode, string(body))
	}

	confirmed, err := decode[confirmResult](fc.c.doRequest(ctx, "POST", "/api/chat/files/confirm", map[string]string{
		"uploadId": presigned.UploadID,
	}, nil))
	if err != nil {
		return nil, fmt.Errorf("confirm: %w", err)
	}
	return confirmed, nil
}

// guessMimeType returns the MIME type for a file name's extension.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	// Types missing from Go's builtin registry
	fallback := map[string]string{
		".webp": "image/webp", ".heic": "image/heic", ".md": "text/markdown",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
