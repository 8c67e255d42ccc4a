package host

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/witanlabs/sheetpilot/internal/address"
)

const bridgeReadLimit = 8 << 20

// RemoteError is an error reported by the add-in on the other end of the bridge.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return "bridge: " + e.Message
	}
	return fmt.Sprintf("bridge: %s (%s)", e.Message, e.Code)
}

type bridgeRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type bridgeResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

// Bridge drives a live spreadsheet through an add-in speaking JSON
// request/response over a websocket. Calls are serialized.
type Bridge struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	nextID int64
	logger *zap.Logger
}

var (
	_ Session   = (*Bridge)(nil)
	_ Scripting = (*Bridge)(nil)
)

// DialBridge connects to the add-in at url (ws:// or wss://).
func DialBridge(ctx context.Context, url string, logger *zap.Logger) (*Bridge, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to bridge %s: %w", url, err)
	}
	conn.SetReadLimit(bridgeReadLimit)
	logger.Debug("bridge connected", zap.String("url", url))
	return &Bridge{conn: conn, logger: logger}, nil
}

func (b *Bridge) Close() error {
	return b.conn.Close(websocket.StatusNormalClosure, "")
}

// call sends one request and waits for the response with the same id.
// Responses for other ids are stale and dropped.
func (b *Bridge) call(ctx context.Context, method string, params, out any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if err := wsjson.Write(ctx, b.conn, bridgeRequest{ID: id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("bridge %s: %w", method, err)
	}
	for {
		var resp bridgeResponse
		if err := wsjson.Read(ctx, b.conn, &resp); err != nil {
			return fmt.Errorf("bridge %s: %w", method, err)
		}
		if resp.ID != id {
			b.logger.Debug("dropping stale bridge response", zap.Int64("id", resp.ID), zap.Int64("want", id))
			continue
		}
		if resp.Error != nil {
			return resp.Error
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("bridge %s: decoding result: %w", method, err)
		}
		return nil
	}
}

type rangeParams struct {
	Range string `json:"range"`
}

func (b *Bridge) Context(ctx context.Context) (Context, error) {
	var out Context
	err := b.call(ctx, "context", nil, &out)
	return out, err
}

func (b *Bridge) Resolve(ctx context.Context, spec string) (address.Ref, error) {
	if _, err := address.Parse(spec); err != nil {
		return address.Ref{}, err
	}
	var res rangeParams
	if err := b.call(ctx, "resolve", rangeParams{Range: spec}, &res); err != nil {
		return address.Ref{}, err
	}
	ref, err := address.Parse(res.Range)
	if err != nil {
		return address.Ref{}, fmt.Errorf("bridge resolved %q to %q: %w", spec, res.Range, err)
	}
	if ref.Kind == address.KindSelection {
		return address.Ref{}, fmt.Errorf("bridge did not resolve %s", address.CurrentSelection)
	}
	return ref, nil
}

func (b *Bridge) Value(ctx context.Context, ref address.Ref) (any, error) {
	var res struct {
		Value any `json:"value"`
	}
	err := b.call(ctx, "value", rangeParams{Range: ref.String()}, &res)
	return res.Value, err
}

func (b *Bridge) SetValue(ctx context.Context, ref address.Ref, value any) error {
	return b.call(ctx, "setValue", map[string]any{"range": ref.String(), "value": value}, nil)
}

func (b *Bridge) SetFormula(ctx context.Context, ref address.Ref, formula string) error {
	return b.call(ctx, "setFormula", map[string]any{"range": ref.String(), "formula": formula}, nil)
}

func (b *Bridge) SetFormat(ctx context.Context, ref address.Ref, format string) error {
	return b.call(ctx, "setFormat", map[string]any{"range": ref.String(), "format": format}, nil)
}

func (b *Bridge) SetStyle(ctx context.Context, ref address.Ref, style Style) error {
	return b.call(ctx, "setStyle", map[string]any{"range": ref.String(), "style": style}, nil)
}

func (b *Bridge) Insert(ctx context.Context, sheet string, dim Dimension, at, count int) error {
	return b.call(ctx, "insert", map[string]any{"sheet": sheet, "dimension": dim.String(), "at": at, "count": count}, nil)
}

func (b *Bridge) Delete(ctx context.Context, sheet string, dim Dimension, at, count int) error {
	return b.call(ctx, "delete", map[string]any{"sheet": sheet, "dimension": dim.String(), "at": at, "count": count}, nil)
}

func (b *Bridge) Sort(ctx context.Context, ref address.Ref, opts SortOptions) error {
	return b.call(ctx, "sort", map[string]any{"range": ref.String(), "options": opts}, nil)
}

func (b *Bridge) Filter(ctx context.Context, ref address.Ref, opts FilterOptions) error {
	return b.call(ctx, "filter", map[string]any{"range": ref.String(), "options": opts}, nil)
}

func (b *Bridge) AddChart(ctx context.Context, ref address.Ref, opts ChartOptions) error {
	return b.call(ctx, "addChart", map[string]any{"range": ref.String(), "options": opts}, nil)
}

func (b *Bridge) AddConditionalFormat(ctx context.Context, ref address.Ref, rule ConditionalRule) error {
	return b.call(ctx, "addConditionalFormat", map[string]any{"range": ref.String(), "rule": rule}, nil)
}

func (b *Bridge) Clear(ctx context.Context, ref address.Ref) error {
	return b.call(ctx, "clear", rangeParams{Range: ref.String()}, nil)
}

// Scripting

func (b *Bridge) Dialect() Dialect { return DialectVBA }

// ScriptAccess asks the add-in whether programmatic access to the macro
// project is trusted.
func (b *Bridge) ScriptAccess(ctx context.Context) error {
	var res struct {
		Trusted bool   `json:"trusted"`
		Reason  string `json:"reason,omitempty"`
	}
	if err := b.call(ctx, "scriptAccess", nil, &res); err != nil {
		return err
	}
	if !res.Trusted {
		if res.Reason == "" {
			res.Reason = "programmatic access to the macro project is not trusted"
		}
		return &RemoteError{Code: "script_access_denied", Message: res.Reason}
	}
	return nil
}

func (b *Bridge) AddContainer(ctx context.Context, name string) (Container, error) {
	if err := b.call(ctx, "addContainer", map[string]any{"name": name}, nil); err != nil {
		return Container{}, err
	}
	return Container{Name: name}, nil
}

func (b *Bridge) InjectSource(ctx context.Context, c Container, text string) error {
	return b.call(ctx, "injectSource", map[string]any{"name": c.Name, "text": text}, nil)
}

func (b *Bridge) RunProcedure(ctx context.Context, qualifiedName string) error {
	return b.call(ctx, "runProcedure", map[string]any{"name": qualifiedName}, nil)
}

func (b *Bridge) RemoveContainer(ctx context.Context, c Container) error {
	return b.call(ctx, "removeContainer", map[string]any{"name": c.Name}, nil)
}

func (b *Bridge) ListContainers(ctx context.Context) ([]string, error) {
	var res struct {
		Names []string `json:"names"`
	}
	err := b.call(ctx, "listContainers", nil, &res)
	return res.Names, err
}
