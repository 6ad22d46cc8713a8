// Package upstream talks to the university's AJAX schedule service.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/ansplan/schedsync/internal/metrics"
	"github.com/ansplan/schedsync/internal/model"
)

const (
	AJAXPath  = "/ppuz-stud-app/ledge/view/AJAX"
	LoginPath = "/ppuz-stud-app/ledge/view/stud.info.ListaAktualnosciView"

	sessionCookie      = "JSESSIONID"
	wrongPasswordToken = "Podane hasło jest nieprawidłowe"
)

// Config configures the upstream client.
type Config struct {
	BaseURL   string
	Login     string
	Password  string
	UserAgent string
	Timeout   time.Duration
}

// Client calls the upstream service. It holds no credential; every call
// takes the one the session broker handed out.
type Client struct {
	http  *resty.Client
	login *resty.Client
	cfg   Config
	log   zerolog.Logger
}

// New builds a client against cfg.BaseURL.
func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")

	c := resty.New().
		SetBaseURL(base).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json, text/javascript, */*; q=0.01").
		SetHeader("X-Requested-With", "XMLHttpRequest").
		SetTimeout(cfg.Timeout)

	l := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}))

	if cfg.UserAgent != "" {
		c.SetHeader("User-Agent", cfg.UserAgent)
		l.SetHeader("User-Agent", cfg.UserAgent)
	}
	return &Client{http: c, login: l, cfg: cfg, log: log}
}

// Login authenticates the service account and returns the session cookie.
// It satisfies session.Authenticator.
func (c *Client) Login(ctx context.Context) (model.Credential, error) {
	if c.cfg.Login == "" || c.cfg.Password == "" {
		return model.Credential{}, fmt.Errorf("%w: upstream login or password not configured", model.ErrLoginFailed)
	}

	resp, err := c.login.R().
		SetContext(ctx).
		SetQueryParam("action", "security.authentication.ImapLogin").
		SetFormData(map[string]string{"login": c.cfg.Login, "password": c.cfg.Password}).
		Post(LoginPath)
	if err != nil {
		return model.Credential{}, transportError("login", err)
	}

	status := resp.StatusCode()
	if strings.Contains(resp.String(), wrongPasswordToken) {
		return model.Credential{}, fmt.Errorf("%w: wrong password", model.ErrLoginFailed)
	}
	if status >= 400 {
		return model.Credential{}, fmt.Errorf("%w: %w", model.ErrLoginFailed, statusError("login", status, resp.String()))
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == sessionCookie && ck.Value != "" {
			return model.Credential{Token: ck.Value, AcquiredAt: time.Now()}, nil
		}
	}
	return model.Credential{}, fmt.Errorf("%w: no %s cookie in login response (status %d)", model.ErrLoginFailed, sessionCookie, status)
}

// Ping keeps the session alive. A response other than the empty
// acknowledgement is reported as ErrUpstreamAPI.
func (c *Client) Ping(ctx context.Context, cred model.Credential) error {
	raw, err := c.call(ctx, cred, "KeepSession", "ping", []any{})
	if err != nil {
		return err
	}
	if len(raw) != 0 && string(raw) != "null" {
		return &APIError{Method: "KeepSession.ping", Message: "unexpected response: " + truncate(string(raw), 200), kind: model.ErrUpstreamAPI}
	}
	return nil
}

// FetchWeek returns the meetings of one dean group for the week starting at weekStart.
func (c *Client) FetchWeek(ctx context.Context, cred model.Credential, groupID int64, weekStart time.Time) ([]ClassItem, error) {
	raw, err := c.call(ctx, cred, "Planowanie", "getUlozoneTerminyGrupy", map[string]any{
		"idGrupyDziekanskiej": groupID,
		"poczatekTygodnia":    weekStart.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	var v itemsValue[ClassItem]
	if err := decodeValue(raw, &v); err != nil {
		return nil, fmt.Errorf("decode week of group %d: %w", groupID, err)
	}
	return v.Items, nil
}

// FetchGroupTree loads the organizational tree of a semester in two steps:
// the root lists unit references, which are then expanded in one call.
// An empty root yields no nodes and no error.
func (c *Client) FetchGroupTree(ctx context.Context, cred model.Credential, semesterID int) ([]model.GroupNode, error) {
	const service, method = "Planowanie", "getGrupySemestralneSemestru"

	raw, err := c.call(ctx, cred, service, method, map[string]any{
		"idSemestru": semesterID, "cyklRoczny": true, "itemIdList": []string{"r0"},
	})
	if err != nil {
		return nil, err
	}
	var roots itemsValue[rootItem]
	if err := decodeValue(raw, &roots); err != nil {
		return nil, fmt.Errorf("decode group tree root: %w", err)
	}
	if len(roots.Items) == 0 || len(roots.Items[0].Children) == 0 {
		c.log.Warn().Int("semester_id", semesterID).Msg("group tree root has no units")
		return nil, nil
	}

	refs := make([]unitRef, 0, len(roots.Items[0].Children))
	for _, ch := range roots.Items[0].Children {
		if ch.Reference != nil {
			refs = append(refs, *ch.Reference)
		}
	}
	c.log.Info().Int("units", len(refs)).Msg("group tree units found")

	raw, err = c.call(ctx, cred, service, method, map[string]any{
		"idSemestru": semesterID, "cyklRoczny": true, "itemIdList": refs,
	})
	if err != nil {
		return nil, err
	}
	var full itemsValue[treeItem]
	if err := decodeValue(raw, &full); err != nil {
		return nil, fmt.Errorf("decode group tree: %w", err)
	}
	if full.Items == nil {
		return nil, fmt.Errorf("%w: empty group tree for %d units", model.ErrUpstreamAPI, len(refs))
	}
	return convertTree(full.Items), nil
}

func (c *Client) call(ctx context.Context, cred model.Credential, service, method string, params any) (json.RawMessage, error) {
	name := service + "." + method
	start := time.Now()

	resp, err := c.http.R().
		SetContext(ctx).
		SetCookie(&http.Cookie{Name: sessionCookie, Value: cred.Token}).
		SetBody(ajaxRequest{Service: service, Method: method, Params: params}).
		Post(AJAXPath)

	var outcome string
	defer func() {
		metrics.UpstreamRequests.WithLabelValues(name, outcome).Inc()
		c.log.Debug().Str("method", name).Str("outcome", outcome).Dur("took", time.Since(start)).Msg("upstream call")
	}()

	if err != nil {
		outcome = "transport_error"
		return nil, transportError(name, err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		outcome = fmt.Sprintf("status_%d", resp.StatusCode())
		return nil, statusError(name, resp.StatusCode(), resp.String())
	}

	var ar ajaxResponse
	if err := json.Unmarshal(resp.Body(), &ar); err != nil {
		outcome = "decode_error"
		return nil, fmt.Errorf("upstream %s: decode response: %w", name, err)
	}
	if ar.ExceptionClass != nil && *ar.ExceptionClass != "" {
		msg := ""
		if ar.Message != nil {
			msg = *ar.Message
		}
		err := exceptionError(name, *ar.ExceptionClass, msg)
		outcome = "exception"
		if IsSessionExpired(*ar.ExceptionClass) {
			outcome = "session_expired"
		}
		return nil, err
	}
	outcome = "ok"
	return ar.ReturnedValue, nil
}

// decodeValue treats a null returnedValue as empty.
func decodeValue(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

var nodeKinds = map[string]model.NodeKind{
	"jednostka":       model.NodeUnit,
	"rodzajetapu":     model.NodeStudyMode,
	"cykl":            model.NodeCycle,
	"grupadziekanska": model.NodeDeanGroup,
}

func convertTree(items []treeItem) []model.GroupNode {
	if len(items) == 0 {
		return nil
	}
	out := make([]model.GroupNode, 0, len(items))
	for _, it := range items {
		kind, ok := nodeKinds[it.Type]
		if !ok {
			kind = model.NodeParent
		}
		n := model.GroupNode{Kind: kind, Label: it.Label, Children: convertTree(it.Children)}
		if kind == model.NodeDeanGroup {
			if id, ok := numericID(it.ID); ok {
				n.ID = &id
			}
		}
		out = append(out, n)
	}
	return out
}

// numericID accepts only JSON numbers; string ids mark non-selectable nodes.
func numericID(raw json.RawMessage) (int64, bool) {
	var n json.Number
	if len(raw) == 0 || raw[0] == '"' || json.Unmarshal(raw, &n) != nil {
		return 0, false
	}
	id, err := strconv.ParseInt(n.String(), 10, 64)
	return id, err == nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
