// Package runconfig loads the operator-tunable knobs this system exposes
// on top of the values the spec otherwise fixes as constants: memory
// estimation coefficient, admission backoff bounds, stage-1 error ratio
// threshold, pixz path/cutoff, NOFILE target, and extra blocked-market
// rule expressions.
package runconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cryptoarchive/daily-processor/internal/model"
	"github.com/cryptoarchive/daily-processor/internal/runtimeenv"
)

// configSchema constrains every field in RunConfig's JSON form. Unknown
// top-level fields are rejected separately via json.Decoder's
// DisallowUnknownFields, matching the teacher's config.Init.
const configSchema = `{
	"type": "object",
	"properties": {
		"memory_coefficient": {"type": "number", "exclusiveMinimum": 0},
		"admission_backoff_min_ms": {"type": "integer", "minimum": 0},
		"admission_backoff_max_ms": {"type": "integer", "minimum": 0},
		"stage1_error_ratio_threshold": {"type": "number", "minimum": 0, "maximum": 1},
		"pixz_path": {"type": "string"},
		"size_percentile_cutoff": {"type": "number", "minimum": 0, "maximum": 1},
		"nofile_target": {"type": "integer", "minimum": 0},
		"extra_blocked_market_exprs": {"type": "array", "items": {"type": "string"}}
	}
}`

// RunConfig carries every tunable an operator may override. It mirrors
// the teacher's schema.ProgramConfig: a package-level Keys value seeded
// with defaults, optionally overlaid from a JSON file on disk.
type RunConfig struct {
	MemoryCoefficient         int64    `json:"memory_coefficient"`
	AdmissionBackoffMinMs     int64    `json:"admission_backoff_min_ms"`
	AdmissionBackoffMaxMs     int64    `json:"admission_backoff_max_ms"`
	Stage1ErrorRatioThreshold float64  `json:"stage1_error_ratio_threshold"`
	PixzPath                  string   `json:"pixz_path"`
	SizePercentileCutoff      float64  `json:"size_percentile_cutoff"`
	NOFILETarget              uint64   `json:"nofile_target"`
	ExtraBlockedMarketExprs   []string `json:"extra_blocked_market_exprs"`
}

// Keys holds the effective configuration, starting out as Defaults()
// until Init overlays a config file.
var Keys = Defaults()

// Defaults returns the built-in configuration, matching the constants
// the spec fixes when no operator override is supplied.
func Defaults() RunConfig {
	return RunConfig{
		MemoryCoefficient:         5,
		AdmissionBackoffMinMs:     1000,
		AdmissionBackoffMaxMs:     5000,
		Stage1ErrorRatioThreshold: 0.01,
		PixzPath:                  "/usr/bin/pixz",
		SizePercentileCutoff:      0.90,
		NOFILETarget:              runtimeenv.DefaultNOFILE,
	}
}

// Init loads flagConfigFile (if it exists) over the built-in defaults,
// validating against configSchema and rejecting unknown fields, exactly
// as the teacher's config.Init does for its own config.json.
func Init(flagConfigFile string) error {
	Keys = Defaults()

	raw, err := os.ReadFile(flagConfigFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("runconfig: read %s: %w", flagConfigFile, err)
	}

	if err := validateSchema(raw); err != nil {
		return fmt.Errorf("runconfig: validate %s: %w", flagConfigFile, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		return fmt.Errorf("runconfig: decode %s: %w", flagConfigFile, err)
	}
	return nil
}

func validateSchema(raw []byte) error {
	sch, err := jsonschema.CompileString("runconfig.json", configSchema)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// AdmissionBackoffMin returns the configured minimum poll backoff.
func (c RunConfig) AdmissionBackoffMin() time.Duration {
	return time.Duration(c.AdmissionBackoffMinMs) * time.Millisecond
}

// AdmissionBackoffMax returns the configured maximum poll backoff.
func (c RunConfig) AdmissionBackoffMax() time.Duration {
	return time.Duration(c.AdmissionBackoffMaxMs) * time.Millisecond
}

// BlockedMarketPredicate compiles ExtraBlockedMarketExprs into a single
// predicate an operator can use to extend the fixed blocked-market set
// (QuantoFuture/QuantoSwap/Move/BVOL) without a code change, bound to the
// single exchange this run processes. Each expression is compiled once at
// startup and evaluated against an environment of {"market_type": "...",
// "exchange": "..."}; a market is additionally blocked if ANY expression
// evaluates true. The returned func matches splitstage.IsBlockedMarket.
func (c RunConfig) BlockedMarketPredicate(exchange string) (func(marketType model.MarketType) bool, error) {
	if len(c.ExtraBlockedMarketExprs) == 0 {
		return func(model.MarketType) bool { return false }, nil
	}

	programs := make([]*vm.Program, 0, len(c.ExtraBlockedMarketExprs))
	for _, e := range c.ExtraBlockedMarketExprs {
		prog, err := expr.Compile(e, expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("runconfig: compile blocked-market expr %q: %w", e, err)
		}
		programs = append(programs, prog)
	}

	return func(marketType model.MarketType) bool {
		env := map[string]any{
			"market_type": marketType.String(),
			"exchange":    exchange,
		}
		for _, prog := range programs {
			out, err := expr.Run(prog, env)
			if err != nil {
				continue
			}
			if blocked, ok := out.(bool); ok && blocked {
				return true
			}
		}
		return false
	}, nil
}
