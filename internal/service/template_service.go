// internal/service/template_service.go
package service

import (
	"strconv"
	"strings"
	"time"
)

const (
	DefaultSubjectTemplate = "短信转发 - {origin}"

	DefaultBodyTemplate = "您收到了一条新短信:\n" +
		"\n" +
		"发送方: {origin}\n" +
		"时间: {time}\n" +
		"SIM卡: SIM{slot} ({channel_type})\n" +
		"内容:\n" +
		"────────────────\n" +
		"{content}\n" +
		"────────────────\n" +
		"\n" +
		"此邮件由短信转发器自动发送"

	timeLayout = "2006-01-02 15:04:05"
)

// RenderTemplate substitutes {key} placeholders in one pass, so values that
// themselves contain braces are never expanded again.
func RenderTemplate(template string, data map[string]string) string {
	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// MessageFormatter turns a delivery payload into an email subject and body.
type MessageFormatter struct {
	Subject  string
	Body     string
	Location *time.Location
}

func NewMessageFormatter(subject, body string) *MessageFormatter {
	if strings.TrimSpace(subject) == "" {
		subject = DefaultSubjectTemplate
	}
	if strings.TrimSpace(body) == "" {
		body = DefaultBodyTemplate
	}
	return &MessageFormatter{Subject: subject, Body: body, Location: time.Local}
}

func (f *MessageFormatter) Format(p DeliveryPayload) (subject, body string) {
	loc := f.Location
	if loc == nil {
		loc = time.Local
	}
	data := map[string]string{
		"origin":       p.OriginAddress,
		"content":      p.Content,
		"time":         time.UnixMilli(p.Timestamp).In(loc).Format(timeLayout),
		"slot":         strconv.Itoa(p.ChannelSlot + 1),
		"channel_type": p.ChannelType,
	}
	return RenderTemplate(f.Subject, data), RenderTemplate(f.Body, data)
}
