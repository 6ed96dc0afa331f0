package email

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"strings"
)

// cidDomain is the right-hand side of generated Content-IDs.
const cidDomain = "massmail"

const paragraphStyle = `margin:0;padding:0;line-height:1.4`

var (
	dataImageTag = regexp.MustCompile(`(?i)<img[^>]+src=["']data:image/([a-z0-9.+-]+);base64,([^"']+)["'][^>]*>`)
	dataImageSrc = regexp.MustCompile(`(?i)src=["']data:image/[^;]+;base64,[^"']+["']`)

	bareParagraph   = regexp.MustCompile(`(?i)<p>`)
	styledParagraph = regexp.MustCompile(`(?i)<p\s+style="[^"]*"`)

	whitespace = regexp.MustCompile(`\s+`)

	urlSafeAlphabet = strings.NewReplacer("-", "+", "_", "/")
)

// Prepare returns the message as it goes on the wire: paragraphs get a
// compact inline style (mail clients otherwise add large margins) and every
// data-URI image is moved into an inline attachment referenced by cid.
//
// Prepare is deterministic, so a job calls it once and reuses the result for
// every recipient.
func Prepare(msg Message) Message {
	html := bareParagraph.ReplaceAllString(msg.HTML, `<p style="`+paragraphStyle+`">`)
	html = styledParagraph.ReplaceAllString(html, `<p style="`+paragraphStyle+`"`)

	html, inline := ExtractInlineImages(html)

	out := Message{
		Subject:     msg.Subject,
		HTML:        html,
		Attachments: make([]Attachment, 0, len(inline)+len(msg.Attachments)),
	}
	out.Attachments = append(out.Attachments, inline...)
	out.Attachments = append(out.Attachments, msg.Attachments...)
	return out
}

// ExtractInlineImages rewrites <img src="data:image/...;base64,..."> tags to
// src="cid:<id>" and returns the decoded images as inline attachments.
//
// Content-IDs are derived from the image bytes, so the same picture used
// twice becomes a single part. Tags whose payload does not decode are left
// untouched.
func ExtractInlineImages(html string) (string, []Attachment) {
	var (
		images []Attachment
		seen   = map[string]bool{}
	)

	out := dataImageTag.ReplaceAllStringFunc(html, func(tag string) string {
		m := dataImageTag.FindStringSubmatch(tag)
		if m == nil {
			return tag
		}
		subtype := strings.ToLower(m[1])
		data, err := decodeImageData(m[2])
		if err != nil || len(data) == 0 {
			return tag
		}

		sum := sha256.Sum256(data)
		hash := hex.EncodeToString(sum[:])
		cid := hash[:16] + "@" + cidDomain

		if !seen[cid] {
			seen[cid] = true
			images = append(images, Attachment{
				Filename:    "image-" + hash[:8] + "." + imageExt(subtype),
				Content:     data,
				ContentType: "image/" + subtype,
				ContentID:   cid,
			})
		}

		return dataImageSrc.ReplaceAllLiteralString(tag, `src="cid:`+cid+`"`)
	})

	return out, images
}

func imageExt(subtype string) string {
	switch subtype {
	case "jpeg":
		return "jpg"
	case "svg+xml":
		return "svg"
	case "x-icon", "vnd.microsoft.icon":
		return "ico"
	}
	return subtype
}

// decodeImageData accepts padded or unpadded payloads in either the standard
// or the URL-safe alphabet, the way browsers and most editors emit them.
func decodeImageData(payload string) ([]byte, error) {
	payload = whitespace.ReplaceAllString(payload, "")
	payload = strings.TrimRight(payload, "=")
	return base64.RawStdEncoding.DecodeString(urlSafeAlphabet.Replace(payload))
}
