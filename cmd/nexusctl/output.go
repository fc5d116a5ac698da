package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// render 在 --json 时输出 JSON，否则调用 table 回调渲染表格。
func render(v any, fill func(tw table.Writer)) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := newTable(os.Stdout)
	fill(tw)
	tw.Render()
	return nil
}

func newTable(out io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.SetStyle(table.StyleLight)
	return tw
}

// statusText 按状态着色。
func statusText(status string) string {
	switch strings.ToLower(status) {
	case "succeeded", "completed", "active", "enabled", "approved":
		return color.GreenString(status)
	case "failed", "cancelled", "closed", "disabled", "rejected":
		return color.RedString(status)
	case "running", "in_progress", "validating", "executing", "retrying":
		return color.CyanString(status)
	case "pending", "queued", "clarification_required", "escalated":
		return color.YellowString(status)
	default:
		return status
	}
}

func formatUnix(sec int64) string {
	if sec <= 0 {
		return "-"
	}
	return time.Unix(sec, 0).Local().Format(time.DateTime)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func truncate(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func printKV(key string, value any) {
	fmt.Printf("%s %v\n", color.New(color.Bold).Sprintf("%-14s", key+":"), value)
}
