package api

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
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/putto11262002/chatter-sync/core"
	"github.com/putto11262002/chatter-sync/pkg/auth"
)

const defaultHTTPTimeout = 30 * time.Second

// Error is a non-2xx response of the REST API.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %d: %s", e.StatusCode, e.Message)
}

// Is maps authentication failures onto the auth sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case auth.ErrUnauthenticated:
		return e.StatusCode == http.StatusUnauthorized
	case auth.ErrUnauthorized:
		return e.StatusCode == http.StatusForbidden
	}
	return false
}

// Client talks to the conversation REST API. It implements core.Backend.
type Client struct {
	baseURL *url.URL
	creds   auth.CredentialProvider
	http    *http.Client
	logger  *slog.Logger
}

var _ core.Backend = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger
	}
}

func WithCredentials(creds auth.CredentialProvider) Option {
	return func(cl *Client) {
		cl.creds = creds
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: defaultHTTPTimeout},
		logger:  slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type historyResponse struct {
	Messages []core.Message `json:"messages"`
	HasMore  bool           `json:"has_more"`
}

func (c *Client) FetchHistory(ctx context.Context, conversationID string, page, pageSize int) (core.HistoryPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))

	var res historyResponse
	if err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "messages"), q, nil, "", &res); err != nil {
		return core.HistoryPage{}, err
	}
	return core.HistoryPage{Messages: res.Messages, HasMore: res.HasMore}, nil
}

type messageRequest struct {
	LocalID    string          `json:"local_id"`
	Body       string          `json:"body"`
	AuthorKind core.AuthorKind `json:"author_kind"`
	AuthorName string          `json:"author_name"`
}

// SubmitMessage posts a message. Drafts with attachments are sent as a
// multipart form and report upload progress; others are sent as JSON.
func (c *Client) SubmitMessage(ctx context.Context, conversationID string, draft core.Draft, onProgress core.ProgressFunc) (*core.Message, error) {
	if onProgress == nil {
		onProgress = func(int) {}
	}
	req := messageRequest{
		LocalID:    draft.LocalID,
		Body:       draft.Body,
		AuthorKind: draft.AuthorKind,
		AuthorName: draft.AuthorName,
	}

	var (
		body        io.Reader
		contentType string
	)
	if len(draft.Attachments) == 0 {
		b, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("marshal message: %w", err)
		}
		body, contentType = bytes.NewReader(b), "application/json"
	} else {
		buf, ct, err := encodeMultipart(req, draft.Attachments)
		if err != nil {
			return nil, err
		}
		body = &progressReader{r: bytes.NewReader(buf), total: int64(len(buf)), onProgress: onProgress}
		contentType = ct
	}

	var created core.Message
	if err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "messages"), nil, body, contentType, &created); err != nil {
		return nil, err
	}
	onProgress(100)
	return &created, nil
}

func (c *Client) SendTypingPing(ctx context.Context, conversationID, authorName string) error {
	b, err := json.Marshal(map[string]string{"author_name": authorName})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, conversationPath(conversationID, "typing"), nil, bytes.NewReader(b), "application/json", nil)
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginVisitor returns a LoginFunc issuing visitor tokens for one conversation.
func (c *Client) LoginVisitor(name, conversationID string) auth.LoginFunc {
	return func(ctx context.Context) (string, error) {
		return c.login(ctx, "/api/auth/visitor", map[string]string{"name": name, "conversation_id": conversationID})
	}
}

// LoginStaff returns a LoginFunc exchanging staff credentials for a token.
func (c *Client) LoginStaff(username, password string) auth.LoginFunc {
	return func(ctx context.Context) (string, error) {
		return c.login(ctx, "/api/auth/staff", map[string]string{"username": username, "password": password})
	}
}

func (c *Client) login(ctx context.Context, path string, payload map[string]string) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	var res tokenResponse
	if err := c.send(ctx, http.MethodPost, path, nil, bytes.NewReader(b), "application/json", &res, false); err != nil {
		return "", err
	}
	return res.Token, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body io.Reader, contentType string, out any) error {
	return c.send(ctx, method, path, q, body, contentType, out, true)
}

func (c *Client) send(ctx context.Context, method, path string, q url.Values, body io.Reader, contentType string, out any, authenticated bool) error {
	u := c.baseURL.JoinPath(path)
	if q != nil {
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if authenticated && c.creds != nil {
		tok, err := c.creds.Token(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", auth.ErrUnauthenticated, err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u.Path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		apiErr := decodeError(res)
		c.logger.Debug("api error", slog.String("method", method), slog.String("path", u.Path),
			slog.Int("status", res.StatusCode), slog.String("error", apiErr.Message))
		if res.StatusCode == http.StatusUnauthorized {
			if inv, ok := c.creds.(interface{ Invalidate() }); ok {
				inv.Invalidate()
			}
		}
		return apiErr
	}

	if out == nil {
		io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, u.Path, err)
	}
	return nil
}

// decodeError reads the {"code", "error"} body written by the server router.
func decodeError(res *http.Response) *Error {
	var body struct {
		Code int    `json:"code"`
		Err  string `json:"error"`
	}
	apiErr := &Error{StatusCode: res.StatusCode, Message: http.StatusText(res.StatusCode)}
	b, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil || len(b) == 0 {
		return apiErr
	}
	if err := json.Unmarshal(b, &body); err == nil && body.Err != "" {
		apiErr.Message = body.Err
	}
	return apiErr
}

func conversationPath(conversationID, resource string) string {
	return "/api/conversations/" + url.PathEscape(conversationID) + "/" + resource
}

func encodeMultipart(req messageRequest, attachments []core.Attachment) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	meta, err := json.Marshal(req)
	if err != nil {
		return nil, "", fmt.Errorf("marshal message: %w", err)
	}
	if err := mw.WriteField("message", string(meta)); err != nil {
		return nil, "", err
	}
	for _, a := range attachments {
		mimeType := a.MIMEType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{
			"name":     "attachments",
			"filename": a.Filename,
		}))
		h.Set("Content-Type", mimeType)
		fw, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("create form file %s: %w", a.Filename, err)
		}
		if _, err := fw.Write(a.Data); err != nil {
			return nil, "", fmt.Errorf("write attachment %s: %w", a.Filename, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

// progressReader reports the share of the body consumed by the transport.
type progressReader struct {
	r          io.Reader
	read       int64
	total      int64
	last       int
	onProgress core.ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.total > 0 {
		// The last percent is reported once the server responded.
		pct := int(p.read * 99 / p.total)
		if pct > p.last {
			p.last = pct
			p.onProgress(pct)
		}
	}
	return n, err
}
