package observability

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// PrometheusExporter serves a registry in the Prometheus text format.
type PrometheusExporter struct {
	registry *Registry
}

func NewPrometheusExporter(registry *Registry) *PrometheusExporter {
	return &PrometheusExporter{registry: registry}
}

func (e *PrometheusExporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_ = e.Write(w)
}

// Format renders the registry as one string.
func (e *PrometheusExporter) Format() string {
	var b strings.Builder
	_ = e.Write(&b)
	return b.String()
}

// Write renders every registered metric in registration order.
func (e *PrometheusExporter) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, d := range e.registry.Defs() {
		fmt.Fprintf(bw, "# HELP %s %s\n# TYPE %s %s\n", d.Name, d.Help, d.Name, d.Kind)
		switch d.Kind {
		case KindCounter:
			fmt.Fprintf(bw, "%s %d\n", d.Name, e.registry.GetCounter(d.Name).Value())
		case KindGauge:
			fmt.Fprintf(bw, "%s %s\n", d.Name, num(e.registry.GetGauge(d.Name).Value()))
		case KindHistogram:
			bounds, cum, sum := e.registry.GetHistogram(d.Name).cumulative()
			for i, le := range bounds {
				fmt.Fprintf(bw, "%s_bucket{le=%q} %d\n", d.Name, num(le), cum[i])
			}
			total := cum[len(cum)-1]
			fmt.Fprintf(bw, "%s_bucket{le=\"+Inf\"} %d\n", d.Name, total)
			fmt.Fprintf(bw, "%s_sum %s\n%s_count %d\n", d.Name, num(sum), d.Name, total)
		}
	}
	return bw.Flush()
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
