package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultOPATimeout = 5 * time.Second
	defaultOPAPath    = "/v1/data/mcpgate/authz"
)

// OPAConfig configures the external policy decision point (design doc
// Section 4.7: "external OPA-like HTTP mode").
type OPAConfig struct {
	URL           string        `yaml:"url" json:"url"`
	PolicyPath    string        `yaml:"policy_path,omitempty" json:"policy_path,omitempty"`
	Timeout       time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	PolicyVersion string        `yaml:"policy_version,omitempty" json:"policy_version,omitempty"`
}

// OPADecider evaluates requests against a remote OPA-compatible HTTP
// endpoint. Any transport error, timeout, or malformed response denies
// the request — fail-closed, the same contract the retrieval pack's OPA
// policy-decision-point adapter uses.
type OPADecider struct {
	cfg    OPAConfig
	client *http.Client
}

// NewOPADecider builds an OPADecider with cfg's defaults applied.
func NewOPADecider(cfg OPAConfig) *OPADecider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultOPATimeout
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = defaultOPAPath
	}
	return &OPADecider{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type opaRequestBody struct {
	Input opaInput `json:"input"`
}

type opaInput struct {
	Principal string         `json:"principal"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	ClientIP  string         `json:"client_ip,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

type opaResponseBody struct {
	Result *opaResult `json:"result"`
}

type opaResult struct {
	Allow      bool   `json:"allow"`
	ReasonCode string `json:"reason_code,omitempty"`
}

func (o *OPADecider) Evaluate(ctx context.Context, req Request) Decision {
	ref := fmt.Sprintf("opa:%s:%s", o.cfg.PolicyVersion, o.cfg.PolicyPath)

	payload, err := json.Marshal(opaRequestBody{Input: opaInput{
		Principal: req.Principal,
		Action:    req.Action,
		Resource:  req.Resource,
		ClientIP:  req.ClientIP,
		Context:   req.Context,
	}})
	if err != nil {
		return deny("DENY_MARSHAL_ERROR", ref)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.URL+o.cfg.PolicyPath, bytes.NewReader(payload))
	if err != nil {
		return deny("DENY_REQUEST_ERROR", ref)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return deny("DENY_OPA_UNREACHABLE", ref)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return deny(fmt.Sprintf("DENY_OPA_HTTP_%d", resp.StatusCode), ref)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return deny("DENY_OPA_READ_ERROR", ref)
	}

	var parsed opaResponseBody
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Result == nil {
		return deny("DENY_OPA_PARSE_ERROR", ref)
	}

	reasonCode := parsed.Result.ReasonCode
	if reasonCode == "" {
		if parsed.Result.Allow {
			reasonCode = "ALLOW"
		} else {
			reasonCode = "DENY_POLICY"
		}
	}
	return Decision{Allow: parsed.Result.Allow, ReasonCode: reasonCode, PolicyRef: ref}
}
