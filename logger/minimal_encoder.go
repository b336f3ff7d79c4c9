package logger

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const (
	colorReset = "\x1b[0m"
	colorBold  = "\x1b[1m"

	// Gruvbox dark
	colorTimeFg  = "\x1b[38;5;245m"
	colorNameFg  = "\x1b[38;5;108m"
	colorValueFg = "\x1b[38;5;175m"
	colorWarnFg  = "\x1b[38;5;214m"
	colorErrFg   = "\x1b[38;5;167m"
)

var bufferPool = buffer.NewPool()

// minimalEncoder is a compact console encoder.
// Format: "13:04:35  pulse.scheduler  Sweep finished  count=4 status=ok"
type minimalEncoder struct {
	zapcore.Encoder
	color bool
	// fields added through With() on the logger
	context []zapcore.Field
}

func newMinimalEncoder(color bool) *minimalEncoder {
	return &minimalEncoder{
		Encoder: zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		color:   color,
	}
}

func (enc *minimalEncoder) Clone() zapcore.Encoder {
	ctx := make([]zapcore.Field, len(enc.context))
	copy(ctx, enc.context)
	return &minimalEncoder{Encoder: enc.Encoder.Clone(), color: enc.color, context: ctx}
}

// AddString and friends are how With() fields reach the encoder; keep the
// common kinds so they are rendered alongside per-entry fields.
func (enc *minimalEncoder) AddString(key, val string) {
	enc.context = append(enc.context, zap.String(key, val))
}

func (enc *minimalEncoder) AddInt64(key string, val int64) {
	enc.context = append(enc.context, zap.Int64(key, val))
}

func (enc *minimalEncoder) paint(color, s string) string {
	if !enc.color || s == "" {
		return s
	}
	return color + s + colorReset
}

func (enc *minimalEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	final := bufferPool.Get()

	final.AppendString(enc.paint(colorTimeFg, ent.Time.Format("15:04:05")))

	switch {
	case ent.Level >= zapcore.ErrorLevel:
		final.AppendString("  ")
		final.AppendString(enc.paint(colorBold+colorErrFg, ent.Level.CapitalString()))
	case ent.Level == zapcore.WarnLevel:
		final.AppendString("  ")
		final.AppendString(enc.paint(colorBold+colorWarnFg, "WARN"))
	case ent.Level == zapcore.DebugLevel:
		final.AppendString("  debug")
	}

	if ent.LoggerName != "" {
		final.AppendString("  ")
		final.AppendString(enc.paint(colorNameFg, ent.LoggerName))
	}

	final.AppendString("  ")
	final.AppendString(ent.Message)

	all := append(append([]zapcore.Field{}, enc.context...), fields...)
	if rendered := enc.renderFields(all); rendered != "" {
		final.AppendString("  ")
		final.AppendString(rendered)
	}

	final.AppendString("\n")
	return final, nil
}

// renderFields prints key=value pairs with the symbol first when present.
func (enc *minimalEncoder) renderFields(fields []zapcore.Field) string {
	if len(fields) == 0 {
		return ""
	}
	mem := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(mem)
	}

	var parts []string
	if s, ok := mem.Fields[FieldSymbol]; ok {
		parts = append(parts, fmt.Sprint(s))
		delete(mem.Fields, FieldSymbol)
	}

	keys := make([]string, 0, len(mem.Fields))
	for k := range mem.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+enc.paint(colorValueFg, fmt.Sprint(mem.Fields[k])))
	}
	return strings.Join(parts, " ")
}
