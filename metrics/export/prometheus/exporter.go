package prometheus

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MrEthical07/vigil"
	"github.com/MrEthical07/vigil/metrics/export/internaldefs"
)

const contentType = "text/plain; version=0.0.4; charset=utf-8"

// Source supplies metric snapshots. [vigil.Engine] satisfies it.
type Source interface {
	MetricsSnapshot() vigil.MetricsSnapshot
	AuditDropped() uint64
}

// Exporter serves engine metrics to a Prometheus scraper.
type Exporter struct {
	source Source
}

// New returns an exporter reading from engine.
func New(engine *vigil.Engine) *Exporter {
	return &Exporter{source: engine}
}

// NewFromSource returns an exporter reading from an arbitrary source.
func NewFromSource(source Source) *Exporter {
	return &Exporter{source: source}
}

func (x *Exporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write([]byte(x.Render()))
}

// Render returns the exposition text. It is empty when the engine has
// metrics disabled and no audit event was ever dropped.
func (x *Exporter) Render() string {
	if x == nil || x.source == nil {
		return ""
	}

	snap := x.source.MetricsSnapshot()
	dropped := x.source.AuditDropped()
	if len(snap.Counters) == 0 && len(snap.Histograms) == 0 && dropped == 0 {
		return ""
	}

	var tw textWriter
	tw.b.Grow(4096)
	for _, def := range internaldefs.CounterDefs {
		tw.family(def.Name, def.Help, "counter")
		tw.sample(def.Name, "", snap.Counters[def.ID])
	}
	for _, def := range internaldefs.HistogramDefs {
		buckets := internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(snap.Histograms[def.ID]))
		tw.family(def.Name, def.Help, "histogram")
		for i, le := range internaldefs.HistogramBounds {
			tw.sample(def.Name+"_bucket", `le="`+le+`"`, buckets[i])
		}
		tw.sample(def.Name+"_count", "", buckets[len(buckets)-1])
		// Snapshots carry bucket counts only.
		tw.sample(def.Name+"_sum", "", 0)
	}
	tw.family("vigil_audit_dropped_total", "Audit events dropped because the dispatcher queue was full.", "counter")
	tw.sample("vigil_audit_dropped_total", "", dropped)

	return tw.b.String()
}

type textWriter struct {
	b strings.Builder
}

func (t *textWriter) family(name, help, kind string) {
	t.b.WriteString("# HELP " + name + " " + escapeHelp(help) + "\n")
	t.b.WriteString("# TYPE " + name + " " + kind + "\n")
}

func (t *textWriter) sample(name, labels string, v uint64) {
	t.b.WriteString(name)
	if labels != "" {
		t.b.WriteString("{" + labels + "}")
	}
	t.b.WriteByte(' ')
	t.b.WriteString(strconv.FormatUint(v, 10))
	t.b.WriteByte('\n')
}

var helpEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

func escapeHelp(help string) string {
	return helpEscaper.Replace(help)
}
