// Package webhook implements a tool executor that forwards tool calls to a
// project webhook. Requests are signed with an HS256 JWT over the body hash
// when the project has a signing secret.
package webhook

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hupe1980/turnmesh/logging"
	"github.com/hupe1980/turnmesh/tool"
)

// SignatureHeader carries the signed body hash.
const SignatureHeader = "X-Signature-Jwt"

// SecretSource looks up the signing secret of a project. An empty secret
// disables signing.
type SecretSource interface {
	SigningSecret(ctx context.Context, projectID string) (string, error)
}

// StaticSecret is a SecretSource returning the same secret for every project.
type StaticSecret string

// SigningSecret implements SecretSource.
func (s StaticSecret) SigningSecret(context.Context, string) (string, error) { return string(s), nil }

// Options configures the webhook executor.
type Options struct {
	ProjectID  string
	Secrets    SecretSource
	HTTPClient *http.Client
	Logger     logging.Logger
}

// Executor posts tool calls to a webhook URL.
type Executor struct {
	url  string
	opts Options
}

var _ tool.Executor = (*Executor)(nil)

// New creates a webhook executor targeting url.
func New(url string, optFns ...func(o *Options)) *Executor {
	opts := Options{
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Logger:     logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	return &Executor{url: url, opts: opts}
}

type toolCallContent struct {
	ToolCall struct {
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	} `json:"toolCall"`
}

type requestBody struct {
	Content string `json:"content"`
}

type signatureClaims struct {
	BodyHash string `json:"bodyHash"`
	jwt.RegisteredClaims
}

// Execute implements tool.Executor. Any failure is reported both as an
// "Error: ..." envelope and as a non-nil error.
func (e *Executor) Execute(ctx context.Context, toolName, args string) (string, error) {
	log := logging.With(e.opts.Logger, "tool", toolName)

	if e.url == "" {
		err := errors.New("no webhook url configured")
		return tool.WrapError(toolName, err), tool.NewToolExecutionError(toolName, tool.CodeNotConfigured, err.Error())
	}

	var payload toolCallContent
	payload.ToolCall.Function.Name = toolName
	payload.ToolCall.Function.Arguments = args

	content, err := json.Marshal(payload)
	if err != nil {
		return tool.WrapError(toolName, err), err
	}

	body, err := json.Marshal(requestBody{Content: string(content)})
	if err != nil {
		return tool.WrapError(toolName, err), err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return e.transportError(toolName, err)
	}
	req.Header.Set("Content-Type", "application/json")

	if err := e.sign(ctx, req, string(content)); err != nil {
		return tool.WrapError(toolName, err), err
	}

	log.Debug("tool.webhook.request", "url", e.url)

	resp, err := e.opts.HTTPClient.Do(req)
	if err != nil {
		log.Warn("tool.webhook.transport_error", "error", err.Error())
		return e.transportError(toolName, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return e.transportError(toolName, err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Warn("tool.webhook.status", "status", resp.StatusCode)
		return tool.WrapText(toolName, "Error: "+string(raw)),
			fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(raw))
	}

	result, err := decodeResult(raw)
	if err != nil {
		return tool.WrapError(toolName, err), err
	}

	return tool.WrapText(toolName, result), nil
}

func (e *Executor) transportError(toolName string, err error) (string, error) {
	return tool.WrapText(toolName, "Error: Failed to call webhook - "+err.Error()),
		fmt.Errorf("call webhook: %w", err)
}

func (e *Executor) sign(ctx context.Context, req *http.Request, content string) error {
	if e.opts.Secrets == nil {
		return nil
	}

	secret, err := e.opts.Secrets.SigningSecret(ctx, e.opts.ProjectID)
	if err != nil {
		return fmt.Errorf("load signing secret: %w", err)
	}
	if secret == "" {
		return nil
	}

	token, err := Sign(content, secret)
	if err != nil {
		return err
	}
	req.Header.Set(SignatureHeader, token)

	return nil
}

// decodeResult extracts the "result" field of a webhook response. Strings
// are returned as-is, other JSON values re-encoded, a missing field is "".
func decodeResult(raw []byte) (string, error) {
	var out struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode webhook response: %w", err)
	}
	if len(out.Result) == 0 || string(out.Result) == "null" {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(out.Result, &s); err == nil {
		return s, nil
	}

	var v any
	if err := json.Unmarshal(out.Result, &v); err != nil {
		return "", fmt.Errorf("decode webhook result: %w", err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// BodyHash returns the hex encoded SHA-256 of content.
func BodyHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Sign returns the HS256 token carrying the body hash of content.
func Sign(content, secret string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, signatureClaims{BodyHash: BodyHash(content)})
	return token.SignedString([]byte(secret))
}

// Verify checks a signature header against content and secret.
func Verify(token, content, secret string) error {
	parsed, err := jwt.ParseWithClaims(token, &signatureClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}

	claims, ok := parsed.Claims.(*signatureClaims)
	if !ok || !parsed.Valid {
		return errors.New("invalid signature")
	}
	if claims.BodyHash != BodyHash(content) {
		return errors.New("body hash mismatch")
	}

	return nil
}
