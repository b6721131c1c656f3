// Package genapi 访问章节生成服务：流式生成、自动保存、定稿与当前章节游标
package genapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"z-novel-pipeline/internal/config"
	"z-novel-pipeline/internal/stream"
	apperrors "z-novel-pipeline/pkg/errors"
	"z-novel-pipeline/pkg/logger"
)

var tracer = otel.Tracer("genapi")

const maxErrorBody = 2048

// Client 生成服务 HTTP 客户端
type Client struct {
	cfg     config.GenerationAPIConfig
	http    *http.Client
	stream  *http.Client
	limiter *rate.Limiter
	opts    stream.Options
}

// NewClient 创建客户端；opts 用于创建每个流式会话
func NewClient(cfg config.GenerationAPIConfig, opts stream.Options) *Client {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		stream:  &http.Client{},
		limiter: rate.NewLimiter(limit, burst),
		opts:    opts,
	}
}

// StreamRequest 单章流式生成请求
type StreamRequest struct {
	ProjectID    string          `json:"-"`
	Sequence     int             `json:"sequence"`
	TitleHint    string          `json:"title_hint,omitempty"`
	Directive    string          `json:"directive,omitempty"`
	Model        string          `json:"model,omitempty"`
	Template     string          `json:"template,omitempty"`
	PriorContext json.RawMessage `json:"prior_context,omitempty"`
}

// PersistRequest 自动保存请求
type PersistRequest struct {
	ProjectID  string          `json:"-"`
	Sequence   int             `json:"sequence"`
	Title      string          `json:"title,omitempty"`
	Content    string          `json:"content"`
	MemoryBank json.RawMessage `json:"memory_bank,omitempty"`
}

// OpenStream 发起流式生成，返回的 body 由调用方读取并关闭。
// 非 2xx 状态返回 CodeStreamStatus，连接失败返回 CodeStreamTransport。
func (c *Client) OpenStream(ctx context.Context, req StreamRequest) (io.ReadCloser, error) {
	path := c.path(c.cfg.StreamPath, req.ProjectID, "")
	resp, err := c.do(ctx, c.stream, http.MethodPost, path, req, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// StartSession 发起流式生成并在后台消费，返回实时更新的会话。
// 流正常结束后自动保存正文，成功时写入章节 ID。
// 会话持有独立的可取消 ctx，Cancel 之后不会再保存。
func (c *Client) StartSession(ctx context.Context, req StreamRequest) (*UnitSession, error) {
	ctx, span := tracer.Start(ctx, "genapi.StartSession",
		trace.WithAttributes(attribute.Int("unit.sequence", req.Sequence)))
	ctx, cancel := context.WithCancel(ctx)

	body, err := c.OpenStream(ctx, req)
	if err != nil {
		cancel()
		span.RecordError(err)
		span.End()
		return nil, err
	}

	us := &UnitSession{Session: stream.NewSession(c.opts), cancel: cancel}
	go func() {
		defer span.End()
		defer cancel()
		defer body.Close()

		if err := us.Consume(ctx, body); err != nil {
			span.RecordError(err)
			logger.Warn(ctx, "unit stream ended with error", "sequence", req.Sequence, "error", err.Error())
			return
		}
		if err := ctx.Err(); err != nil {
			us.setPersistErr(apperrors.Wrap(err, apperrors.CodeStreamTransport, "session cancelled before persist"))
			logger.Info(ctx, "unit session cancelled, persist skipped", "sequence", req.Sequence)
			return
		}

		snap := us.Snapshot()
		id, err := c.Persist(ctx, PersistRequest{
			ProjectID:  req.ProjectID,
			Sequence:   req.Sequence,
			Title:      snap.Title,
			Content:    snap.Formatted,
			MemoryBank: snap.MemoryBank,
		})
		if err != nil {
			span.RecordError(err)
			us.setPersistErr(err)
			logger.Error(ctx, "auto persist failed", err, "sequence", req.Sequence)
			return
		}
		us.SetUnitID(id)
		logger.Debug(ctx, "unit persisted", "sequence", req.Sequence, "unit_id", id)
	}()
	return us, nil
}

// Persist 保存章节正文，返回章节 ID
func (c *Client) Persist(ctx context.Context, req PersistRequest) (string, error) {
	ctx, span := tracer.Start(ctx, "genapi.Persist")
	defer span.End()

	path := c.path(c.cfg.PersistPath, req.ProjectID, "")
	res, err := c.call(ctx, http.MethodPost, path, req)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	id := firstOf(res, "data.id", "id", "data.chapter_id", "chapter_id").String()
	if id == "" {
		return "", apperrors.New(apperrors.CodeUnitNotPersisted, "persist response carries no id")
	}
	return id, nil
}

// Finalize 对已保存的章节执行定稿，返回的上下文原样透传
func (c *Client) Finalize(ctx context.Context, projectID, chapterID string) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "genapi.Finalize",
		trace.WithAttributes(attribute.String("chapter.id", chapterID)))
	defer span.End()

	path := c.path(c.cfg.FinalizePath, projectID, chapterID)
	res, err := c.call(ctx, http.MethodPost, path, map[string]string{"chapter_id": chapterID})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if data := res.Get("data"); data.Exists() {
		return json.RawMessage(data.Raw), nil
	}
	if res.Raw == "" {
		return nil, nil
	}
	return json.RawMessage(res.Raw), nil
}

// CurrentSequence 项目当前正在编辑的章节序号；每次调用都实时请求
func (c *Client) CurrentSequence(ctx context.Context, projectID string) (int, error) {
	path := c.path(c.cfg.CursorPath, projectID, "")
	res, err := c.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}

	v := firstOf(res, "data.sequence", "sequence", "data.current_sequence", "current_sequence")
	if !v.Exists() && res.Type == gjson.Number {
		v = res
	}
	if !v.Exists() {
		return 0, apperrors.New(apperrors.CodeBadUpstreamResponse, "cursor response carries no sequence")
	}
	return int(v.Int()), nil
}

// call 发起非流式请求并解析 JSON 响应
func (c *Client) call(ctx context.Context, method, path string, body any) (gjson.Result, error) {
	resp, err := c.do(ctx, c.http, method, path, body, "application/json")
	if err != nil {
		return gjson.Result{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, apperrors.Wrap(err, apperrors.CodeStreamTransport, "read response failed")
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return gjson.Result{}, nil
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, apperrors.New(apperrors.CodeBadUpstreamResponse, "response is not valid json")
	}
	return gjson.ParseBytes(raw), nil
}

// do 限速后发出请求；非 2xx 时读取部分响应体作为错误详情
func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, body any, accept string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeStreamTransport, "rate limiter wait aborted")
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInvalidParam, "marshal request failed")
		}
		reader = bytes.NewReader(buf)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInvalidParam, "build request failed")
	}
	req.Header.Set("Accept", accept)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if rid, ok := ctx.Value(logger.RequestIDKey).(string); ok && rid != "" {
		req.Header.Set("X-Request-ID", rid)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := hc.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeStreamTransport, fmt.Sprintf("%s %s failed", method, path))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := gjson.GetBytes(snippet, "message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(snippet))
		}
		return nil, apperrors.New(apperrors.CodeStreamStatus,
			fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode)).WithDetail(msg)
	}
	return resp, nil
}

func (c *Client) path(tmpl, projectID, chapterID string) string {
	return strings.NewReplacer(
		"{project_id}", projectID,
		"{chapter_id}", chapterID,
	).Replace(tmpl)
}

func firstOf(res gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := res.Get(p); v.Exists() && v.String() != "" {
			return v
		}
	}
	return gjson.Result{}
}
