package main

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
)

// statusMetrics is the slice of the /metrics exposition this command
// renders, in display order. Names match internal/metrics's
// "proxycore" namespace.
var statusMetrics = []string{
	"proxycore_worker_active",
	"proxycore_proxy_rounds_total",
	"proxycore_proxy_accepts_total",
	"proxycore_proxy_bottleneck",
	"proxycore_cx_read_bytes_total",
	"proxycore_cx_write_bytes_total",
	"proxycore_cert_mints_total",
	"proxycore_tls_handshakes_total",
}

// byteMetrics renders their value through humanize.Bytes instead of a
// bare float.
var byteMetrics = map[string]bool{
	"proxycore_cx_read_bytes_total":  true,
	"proxycore_cx_write_bytes_total": true,
}

var (
	statusHeadStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	statusNameStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Width(30)
	statusLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusErrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

func statusCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running proxy core's metrics snapshot",
		Long:  "Scrape the running instance's Prometheus /metrics endpoint and render a short summary.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			families, err := scrapeMetrics(ctx, metricsAddr)
			if err != nil {
				fmt.Println(statusErrStyle.Render(fmt.Sprintf("status: %v", err)))
				return err
			}

			fmt.Println(statusHeadStyle.Render("proxycored status"))
			for _, name := range statusMetrics {
				mf, ok := families[name]
				if !ok {
					continue
				}
				for _, line := range renderMetricFamily(name, mf) {
					fmt.Println(line)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&metricsAddr, "metrics", "m", "localhost:9090", "Metrics HTTP address (host:port)")

	return cmd
}

// scrapeMetrics fetches and parses the Prometheus text exposition
// format from addr's /metrics endpoint.
func scrapeMetrics(ctx context.Context, addr string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/metrics", addr), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status from %s: %s", addr, resp.Status)
	}

	var parser expfmt.TextParser
	return parser.TextToMetricFamilies(resp.Body)
}

// renderMetricFamily formats every series in mf, one line per label
// combination, styled with lipgloss and (for byte counters)
// humanize.Bytes instead of a bare float.
func renderMetricFamily(name string, mf *dto.MetricFamily) []string {
	lines := make([]string, 0, len(mf.GetMetric()))
	for _, metric := range mf.GetMetric() {
		value := metricValue(metric)

		valStr := fmt.Sprintf("%.0f", value)
		if byteMetrics[name] {
			valStr = humanize.Bytes(uint64(value))
		}

		labels := make([]string, 0, len(metric.GetLabel()))
		for _, lp := range metric.GetLabel() {
			labels = append(labels, fmt.Sprintf("%s=%s", lp.GetName(), lp.GetValue()))
		}
		sort.Strings(labels)

		line := fmt.Sprintf("%s %s", statusNameStyle.Render(name), valStr)
		if len(labels) > 0 {
			line += " " + statusLabelStyle.Render("["+strings.Join(labels, ",")+"]")
		}
		lines = append(lines, line)
	}
	return lines
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	default:
		return 0
	}
}
