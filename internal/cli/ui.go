package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/pyro-sandbox/pyro/client"
	"github.com/pyro-sandbox/pyro/internal/backend"
	"github.com/pyro-sandbox/pyro/internal/backend/firecracker"
	"github.com/pyro-sandbox/pyro/internal/endpoint"
	"github.com/pyro-sandbox/pyro/internal/execution"
	"github.com/pyro-sandbox/pyro/internal/runtimeconfig"
	"golang.org/x/term"
)

type startupHeader struct {
	Title  string
	Fields []startupField
}

type startupField struct {
	Key   string
	Value string
}

// serveHeader summarises what a serve invocation is about to run: where it
// listens, how VMs are launched and sized, and which languages it accepts.
func serveHeader(version string, cfg runtimeconfig.RunnerConfig, configPath string, ep endpoint.Endpoint, maxVMs int, historyPath, logLevel string) startupHeader {
	launch := cfg.Firecracker.LaunchMode
	if launch == firecracker.LaunchModeJailed {
		launch = fmt.Sprintf("%s (uid %d, gid %d)", launch, cfg.SandboxUID, cfg.SandboxGID)
	}
	langs := make([]string, 0, len(execution.Languages()))
	for _, lang := range execution.Languages() {
		langs = append(langs, lang.String())
	}
	return startupHeader{
		Title: "pyro " + version,
		Fields: []startupField{
			{Key: "listen", Value: endpointDisplay(ep)},
			{Key: "config", Value: configPath},
			{Key: "launch", Value: launch},
			{Key: "vm", Value: fmt.Sprintf("%d vcpu, %d MiB", cfg.VCPUs, cfg.MemoryMiB)},
			{Key: "max vms", Value: strconv.Itoa(maxVMs)},
			{Key: "limits", Value: fmt.Sprintf("compile %s, run %s, request %s", cfg.CompileTimeout, cfg.RunTimeout, cfg.RequestTimeout)},
			{Key: "languages", Value: strings.Join(langs, ", ")},
			{Key: "run dir", Value: cfg.RunDir},
			{Key: "history", Value: historyPath},
			{Key: "log level", Value: logLevel},
		},
	}
}

func renderStartupHeader(h startupHeader, color bool) string {
	title := strings.TrimSpace(h.Title)
	if title == "" {
		title = "pyro"
	}

	var out strings.Builder
	icon := "🔥"
	if color {
		icon = ansiWrap("1;33", icon)
		title = ansiWrap("1;36", title)
	}

	out.WriteByte('\n')
	out.WriteString(icon)
	out.WriteString(" ")
	out.WriteString(title)
	out.WriteByte('\n')

	for _, field := range h.Fields {
		key := strings.TrimSpace(field.Key)
		value := strings.TrimSpace(field.Value)
		if key == "" || value == "" {
			continue
		}

		line := fmt.Sprintf("%s: %s", key, value)
		if color {
			line = ansiWrap("38;5;252", line)
		}
		out.WriteString("   ")
		out.WriteString(line)
		out.WriteByte('\n')
	}
	out.WriteByte('\n')

	return out.String()
}

// Doctor checks are shown in three groups. Anything the backend adds that is
// not listed here lands under host.
const (
	doctorGroupHost         = "host"
	doctorGroupImages       = "guest images"
	doctorGroupCapabilities = "capabilities"
)

var doctorGroupOrder = []string{doctorGroupHost, doctorGroupImages, doctorGroupCapabilities}

type doctorStyle struct {
	glyph string
	ansi  string
}

var doctorStyles = map[string]doctorStyle{
	"pass":    {glyph: "✓", ansi: "1;32"},
	"warn":    {glyph: "!", ansi: "1;33"},
	"fail":    {glyph: "✗", ansi: "1;31"},
	"unknown": {glyph: "?", ansi: "1;37"},
}

func doctorGroup(name string) string {
	switch {
	case name == "kernel", strings.HasPrefix(name, "rootfs_"):
		return doctorGroupImages
	case strings.HasPrefix(name, "capability_"):
		return doctorGroupCapabilities
	default:
		return doctorGroupHost
	}
}

func renderDoctorReport(backendName string, checks []backend.DoctorCheck, color bool) string {
	name := strings.TrimSpace(backendName)
	if name == "" {
		name = "unknown"
	}
	paint := func(code, s string) string {
		if !color {
			return s
		}
		return ansiWrap(code, s)
	}

	grouped := map[string][]backend.DoctorCheck{}
	counts := map[string]int{}
	var ready, missing []string
	for _, check := range checks {
		check.Name = strings.TrimSpace(check.Name)
		if check.Name == "" {
			check.Name = "unnamed_check"
		}
		check.Status = normalizeDoctorStatus(check.Status)
		counts[check.Status]++
		group := doctorGroup(check.Name)
		grouped[group] = append(grouped[group], check)

		if lang, ok := strings.CutPrefix(check.Name, "rootfs_"); ok {
			if check.Status == "pass" {
				ready = append(ready, lang)
			} else {
				missing = append(missing, lang)
			}
		}
	}

	var out strings.Builder
	out.WriteString(paint("1;36", fmt.Sprintf("doctor report (%s)", name)))
	out.WriteByte('\n')
	for _, group := range doctorGroupOrder {
		if len(grouped[group]) == 0 {
			continue
		}
		out.WriteString(paint("38;5;246", group+":"))
		out.WriteByte('\n')
		for _, check := range grouped[group] {
			style := doctorStyles[check.Status]
			message := strings.TrimSpace(check.Message)
			if message == "" {
				message = "(no message)"
			}
			fmt.Fprintf(&out, "  %s %s: %s\n", paint(style.ansi, fmt.Sprintf("%s [%s]", style.glyph, check.Status)), check.Name, message)
		}
	}

	if len(ready)+len(missing) > 0 {
		line := "languages: " + strings.Join(ready, ", ")
		if len(ready) == 0 {
			line = "languages: none ready"
		}
		if len(missing) > 0 {
			line += " (missing image: " + strings.Join(missing, ", ") + ")"
		}
		out.WriteString(paint("38;5;252", line))
		out.WriteByte('\n')
	}
	out.WriteString(paint("38;5;246", fmt.Sprintf("summary: %d pass, %d warn, %d fail", counts["pass"], counts["warn"], counts["fail"])))
	out.WriteByte('\n')
	return out.String()
}

func renderHistory(executions []client.ExecutionSummary) string {
	if len(executions) == 0 {
		return "no executions recorded\n"
	}
	var out strings.Builder
	tw := tabwriter.NewWriter(&out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLANGUAGE\tOUTCOME\tDURATION\tSTARTED\tERROR")
	for _, e := range executions {
		errText := e.ErrorKind
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%dms\t%s\t%s\n", e.ID, e.Language, e.Outcome, e.DurationMS, e.StartedAt, errText)
	}
	_ = tw.Flush()
	return out.String()
}

func writeStartupHeader(w io.Writer, h startupHeader, color bool) error {
	if w == nil {
		return nil
	}
	_, err := io.WriteString(w, renderStartupHeader(h, color))
	return err
}

func shouldShowStartupHeader(stderr *os.File) bool {
	if stderr == nil {
		return false
	}
	return term.IsTerminal(int(stderr.Fd()))
}

func shouldUseANSI(stderr *os.File) bool {
	if noColorRequested() {
		return false
	}
	if forceColorRequested() {
		return true
	}
	if stderr == nil {
		return false
	}
	return term.IsTerminal(int(stderr.Fd()))
}

func applyPolishedLoggerStyles(logger *log.Logger, color bool) {
	if logger == nil || !color {
		return
	}

	styles := log.DefaultStyles()
	styles.Message = styles.Message.Foreground(lipgloss.Color("252"))
	styles.Key = styles.Key.Bold(true).Foreground(lipgloss.Color("75"))
	styles.Value = styles.Value.Foreground(lipgloss.Color("255"))
	styles.Separator = styles.Separator.Foreground(lipgloss.Color("240"))
	styles.Levels[log.DebugLevel] = styles.Levels[log.DebugLevel].Bold(true).Foreground(lipgloss.Color("45"))
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].Bold(true).Foreground(lipgloss.Color("48"))
	styles.Levels[log.WarnLevel] = styles.Levels[log.WarnLevel].Bold(true).Foreground(lipgloss.Color("214"))
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].Bold(true).Foreground(lipgloss.Color("203"))
	logger.SetStyles(styles)
}

func endpointDisplay(ep endpoint.Endpoint) string {
	switch ep.Scheme {
	case "unix":
		return "unix://" + ep.Address
	case "http", "https":
		if ep.Address != "" {
			return ep.Address
		}
		return ep.BaseURL
	case "tsnet":
		host := strings.TrimSpace(ep.TSNetHostname)
		if host == "" {
			host = "pyro"
		}
		if ep.TSNetPort > 0 {
			return fmt.Sprintf("tsnet://%s:%d", host, ep.TSNetPort)
		}
		return "tsnet://" + host
	case "tssvc":
		label := strings.TrimSpace(strings.TrimPrefix(ep.TSServiceName, "svc:"))
		if label == "" {
			label = "pyro"
		}
		if ep.TSServicePort > 0 {
			return fmt.Sprintf("tssvc://%s:%d", label, ep.TSServicePort)
		}
		return "tssvc://" + label
	default:
		if ep.Address != "" {
			return ep.Address
		}
		return ep.BaseURL
	}
}

func effectiveLogLevel(rawLevel string) string {
	level := strings.TrimSpace(strings.ToLower(rawLevel))
	if level == "" {
		return "info"
	}
	return level
}

func noColorRequested() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return true
	}
	return strings.TrimSpace(os.Getenv("CLICOLOR")) == "0"
}

func forceColorRequested() bool {
	value := strings.TrimSpace(os.Getenv("CLICOLOR_FORCE"))
	if value == "" {
		return false
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed != 0
	}
	return true
}

func ansiWrap(code, value string) string {
	return "\x1b[" + code + "m" + value + "\x1b[0m"
}

func normalizeDoctorStatus(raw string) string {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "pass", "ok", "success":
		return "pass"
	case "warn", "warning":
		return "warn"
	case "fail", "failed", "error":
		return "fail"
	default:
		return "unknown"
	}
}
