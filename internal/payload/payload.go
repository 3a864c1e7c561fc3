// Package payload models the kinds of user content the bot can relay.
package payload

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupported is returned by Classify for content that matches none of
// the supported kinds.
var ErrUnsupported = errors.New("payload: unsupported content")

// Kind identifies a payload variant.
type Kind int

// Supported payload kinds, in classification priority order.
const (
	KindText Kind = iota + 1
	KindImage
	KindSticker
	KindVideo
)

// String returns the lower-case kind name.
func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	case KindSticker:
		return "sticker"
	case KindVideo:
		return "video"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Format is the markup dialect of a text body or caption.
type Format string

const (
	FormatPlain    Format = ""
	FormatHTML     Format = "html"
	FormatMarkdown Format = "markdown"
)

// Payload is one unit of relayable content. The set of implementations is
// closed: Text, Image, Sticker and Video.
type Payload interface {
	Kind() Kind
	isPayload()
}

// Text is a formatted text message.
type Text struct {
	Body   string
	Format Format
}

// Image is a reference to media stored by the transport plus an optional caption.
type Image struct {
	Ref           string
	Caption       string
	CaptionFormat Format
}

// Sticker is a reference to a sticker stored by the transport.
type Sticker struct {
	Ref string
}

// Video is a reference to stored video media. Duration is in seconds.
type Video struct {
	Ref           string
	Duration      int
	Caption       string
	CaptionFormat Format
}

func (Text) Kind() Kind    { return KindText }
func (Image) Kind() Kind   { return KindImage }
func (Sticker) Kind() Kind { return KindSticker }
func (Video) Kind() Kind   { return KindVideo }

func (Text) isPayload()    {}
func (Image) isPayload()   {}
func (Sticker) isPayload() {}
func (Video) isPayload()   {}

// Plain returns an unformatted Text payload.
func Plain(body string) Text {
	return Text{Body: body}
}

// HTML returns a Text payload whose body is HTML markup.
func HTML(body string) Text {
	return Text{Body: body, Format: FormatHTML}
}

// Content is the transport-neutral view of an inbound message that
// adapters fill in before classification. Empty fields mean "absent".
type Content struct {
	Text       string
	TextFormat Format

	ImageRef string
	// Caption applies to image and video content.
	Caption       string
	CaptionFormat Format

	StickerRef string

	VideoRef      string
	VideoDuration int
}

// Classify maps inbound content to a payload. The first matching kind wins,
// tested in the order text, image, sticker, video.
func Classify(c Content) (Payload, error) {
	switch {
	case c.Text != "":
		return Text{Body: c.Text, Format: c.TextFormat}, nil
	case c.ImageRef != "":
		return Image{Ref: c.ImageRef, Caption: c.Caption, CaptionFormat: c.CaptionFormat}, nil
	case c.StickerRef != "":
		return Sticker{Ref: c.StickerRef}, nil
	case c.VideoRef != "":
		return Video{
			Ref:           c.VideoRef,
			Duration:      c.VideoDuration,
			Caption:       c.Caption,
			CaptionFormat: c.CaptionFormat,
		}, nil
	}
	return nil, ErrUnsupported
}

// Describe returns a one-line summary of p for logs and review listings.
func Describe(p Payload) string {
	switch v := p.(type) {
	case Text:
		return "text: " + shorten(v.Body, 60)
	case Image:
		if v.Caption != "" {
			return "image: " + shorten(v.Caption, 60)
		}
		return "image"
	case Sticker:
		return "sticker"
	case Video:
		s := fmt.Sprintf("video (%ds)", v.Duration)
		if v.Caption != "" {
			s += ": " + shorten(v.Caption, 60)
		}
		return s
	case nil:
		return "<nil>"
	default:
		return p.Kind().String()
	}
}

func shorten(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
