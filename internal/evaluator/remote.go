package evaluator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"podium/internal/types"
)

// Remote drives an external evaluation-harness service over HTTP. The
// harness owns the actual model-provider calls; podium sends it the plan
// plus per-model keys and consumes a newline-delimited JSON event stream:
//
//	{"type":"samples","samples":[...]}
//	{"type":"progress","done":40,"total":200}
//	{"type":"error","kind":"evaluator_fatal","message":"..."}
//
// The stream ends on EOF for success or after an error event.
type Remote struct {
	base    string
	version string
	client  *http.Client
	logger  *zap.Logger
}

// remoteEvent is one line of the harness stream.
type remoteEvent struct {
	Type    string          `json:"type"`
	Samples []*types.Sample `json:"samples,omitempty"`
	Done    int             `json:"done,omitempty"`
	Total   int             `json:"total,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Message string          `json:"message,omitempty"`
}

// remotePayload is the request body. Keys travel only here, over the
// operator's harness link; they are stripped from the embedded plan.
type remotePayload struct {
	TaskID string            `json:"task_id"`
	Plan   types.Plan        `json:"plan"`
	Keys   map[string]string `json:"keys"`
}

// NewRemote validates the harness base URL and builds the client.
func NewRemote(endpoint, version string, logger *zap.Logger) (*Remote, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, types.NewError(types.KindValidation, "invalid harness endpoint %q", endpoint)
	}
	if version == "" {
		version = "external"
	}

	return &Remote{
		base:    strings.TrimRight(endpoint, "/"),
		version: version,
		// No client-level timeout: the response is a long-lived stream and
		// the per-task context deadline bounds it instead.
		client: &http.Client{},
		logger: logger,
	}, nil
}

func (r *Remote) Version() string { return r.version }

func (r *Remote) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/healthz", nil)
	if err != nil {
		return types.WrapError(types.KindEvaluatorRetryable, err, "failed to build health check")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return types.WrapError(classifyTransport(ctx, err), err, "harness unreachable")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return types.NewError(classifyStatus(resp.StatusCode), "harness health check returned %d", resp.StatusCode)
	}
	return nil
}

func (r *Remote) Evaluate(ctx context.Context, req Request) error {
	body, err := json.Marshal(remotePayload{
		TaskID: req.TaskID,
		Plan:   req.Plan.Redacted(),
		Keys:   req.Keys,
	})
	if err != nil {
		return types.WrapError(types.KindEvaluatorFatal, err, "failed to encode evaluation request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/v1/evaluate", bytes.NewReader(body))
	if err != nil {
		return types.WrapError(types.KindEvaluatorFatal, err, "failed to build evaluation request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return types.WrapError(classifyTransport(ctx, err), err, "failed to reach harness")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return types.NewError(classifyStatus(resp.StatusCode),
			"harness rejected evaluation: %d %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	return r.consume(ctx, req, resp.Body)
}

// consume reads the event stream and fans events into the callbacks.
func (r *Remote) consume(ctx context.Context, req Request, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	// Sample batches can be large; a 4 MiB line cap leaves headroom.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev remoteEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return types.WrapError(types.KindEvaluatorFatal, err, "harness sent an unreadable event")
		}

		switch ev.Type {
		case "samples":
			for _, sm := range ev.Samples {
				sm.TaskID = req.TaskID
			}
			if err := req.OnSamples(ctx, ev.Samples); err != nil {
				return err
			}
		case "progress":
			if req.OnProgress != nil {
				req.OnProgress(ev.Done, ev.Total)
			}
		case "error":
			kind := types.Kind(ev.Kind)
			switch kind {
			case types.KindEvaluatorRetryable, types.KindEvaluatorFatal, types.KindTimeout:
			default:
				kind = types.KindEvaluatorFatal
			}
			return types.NewError(kind, "harness reported: %s", ev.Message)
		default:
			r.logger.Debug("ignoring unknown harness event", zap.String("type", ev.Type))
		}
	}

	if err := scanner.Err(); err != nil {
		return types.WrapError(classifyTransport(ctx, err), err, "harness stream broke mid-run")
	}
	return nil
}
