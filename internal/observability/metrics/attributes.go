package metrics

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrMethod     = "method"
	attrPath       = "path"
	attrStatus     = "status"
	attrResult     = "result"
	attrReason     = "reason"
	attrRegionCode = "region_code"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func resultAttr(result string) attribute.KeyValue {
	return attribute.String(attrResult, result)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func regionCodeAttr(code string) attribute.KeyValue {
	return attribute.String(attrRegionCode, code)
}

// knownPaths keeps the path label bounded; anything else is reported as "other".
var knownPaths = map[string]struct{}{
	"/healthz": {},
	"/run":     {},
	"/regions": {},
	"/runs":    {},
	"/metrics": {},
}

func normalizePath(path string) string {
	if _, ok := knownPaths[path]; ok {
		return path
	}
	if strings.HasPrefix(path, "/debug/pprof") {
		return "/debug/pprof"
	}
	return "other"
}

// WithRegionCode returns a metric option with the region_code attribute.
func WithRegionCode(code string) metric.MeasurementOption {
	return metric.WithAttributes(regionCodeAttr(code))
}

// WithReason returns a metric option with the reason attribute.
func WithReason(reason string) metric.MeasurementOption {
	return metric.WithAttributes(reasonAttr(reason))
}
