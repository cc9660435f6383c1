package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"chatgate/internal/models"

	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
)

const maxDocumentRunes = 32000

var textualMediaTypes = map[string]bool{
	"application/json":       true,
	"application/xml":        true,
	"application/x-yaml":     true,
	"application/yaml":       true,
	"application/javascript": true,
	"application/x-sh":       true,
	"application/csv":        true,
}

// converter turns stored records into eino messages. Images travel as data
// URLs; other attachments are extracted to text.
type converter struct {
	parser parser.Parser
}

func newConverter(ctx context.Context) (*converter, error) {
	extParser, err := parser.NewExtParser(ctx, &parser.ExtParserConfig{
		FallbackParser: parser.TextParser{},
	})
	if err != nil {
		return nil, fmt.Errorf("init document parser: %w", err)
	}
	return &converter{parser: extParser}, nil
}

func (c *converter) messages(ctx context.Context, history models.History, prompt []models.MessagePart) []*schema.Message {
	out := make([]*schema.Message, 0, len(history)+1)
	for _, rec := range history {
		switch rec.Kind {
		case models.RecordRequest:
			out = append(out, c.userMessage(ctx, rec.Parts))
		case models.RecordResponse:
			out = append(out, schema.AssistantMessage(models.FirstText(rec.Parts), nil))
		}
	}
	return append(out, c.userMessage(ctx, prompt))
}

func (c *converter) userMessage(ctx context.Context, parts []models.MessagePart) *schema.Message {
	var (
		texts  []string
		images []schema.ChatMessagePart
	)
	for _, p := range parts {
		switch p.Kind {
		case models.PartText:
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		case models.PartAttachment:
			if p.Attachment == nil {
				continue
			}
			if isImage(p.Attachment.MediaType) && len(p.Attachment.Data) > 0 {
				images = append(images, schema.ChatMessagePart{
					Type: schema.ChatMessagePartTypeImageURL,
					ImageURL: &schema.ChatMessageImageURL{
						URL:      dataURL(p.Attachment),
						MIMEType: baseMediaType(p.Attachment.MediaType),
					},
				})
				continue
			}
			texts = append(texts, c.documentText(ctx, p.Attachment))
		}
	}

	if len(images) == 0 {
		return schema.UserMessage(strings.Join(texts, "\n\n"))
	}
	multi := make([]schema.ChatMessagePart, 0, len(texts)+len(images))
	for _, t := range texts {
		multi = append(multi, schema.ChatMessagePart{Type: schema.ChatMessagePartTypeText, Text: t})
	}
	multi = append(multi, images...)
	return &schema.Message{Role: schema.User, MultiContent: multi}
}

func (c *converter) documentText(ctx context.Context, att *models.Attachment) string {
	name := att.Name
	if name == "" {
		name = "document"
	}
	if len(att.Data) == 0 {
		return fmt.Sprintf("[Attached document %s: content unavailable]", name)
	}
	if !isTextual(att.MediaType) && !(baseMediaType(att.MediaType) == "application/octet-stream" && utf8.Valid(att.Data)) {
		return fmt.Sprintf("[Attached document %s (%s, %d bytes) cannot be read as text]", name, att.MediaType, att.Size)
	}

	docs, err := c.parser.Parse(ctx, bytes.NewReader(att.Data), parser.WithURI(name))
	if err != nil {
		return fmt.Sprintf("[Attached document %s could not be parsed: %v]", name, err)
	}
	var builder strings.Builder
	for _, doc := range docs {
		content := strings.TrimSpace(doc.Content)
		if content == "" {
			continue
		}
		builder.WriteString(content)
		builder.WriteString("\n\n")
	}
	text := strings.TrimSpace(builder.String())
	if text == "" || !utf8.ValidString(text) {
		return fmt.Sprintf("[Attached document %s has no readable text content]", name)
	}
	if runes := []rune(text); len(runes) > maxDocumentRunes {
		text = string(runes[:maxDocumentRunes]) + "\n[truncated]"
	}
	return fmt.Sprintf("Document %s:\n%s", name, text)
}

func baseMediaType(mediaType string) string {
	base, _, _ := strings.Cut(mediaType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

func isImage(mediaType string) bool {
	return strings.HasPrefix(baseMediaType(mediaType), "image/")
}

func isTextual(mediaType string) bool {
	base := baseMediaType(mediaType)
	return base == "" || strings.HasPrefix(base, "text/") || textualMediaTypes[base]
}

func dataURL(att *models.Attachment) string {
	return "data:" + baseMediaType(att.MediaType) + ";base64," + base64.StdEncoding.EncodeToString(att.Data)
}
