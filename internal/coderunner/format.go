package coderunner

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatDisplay renders a rich display as chat content. Images and videos
// become inline data URIs, which the message view later shortens.
func FormatDisplay(mime, data, alt string) string {
	alt = strings.ReplaceAll(alt, `"`, "&quot;")
	switch {
	case mime == "text/html":
		return data
	case mime == "application/json":
		return "```json\n" + data + "\n```"
	case strings.HasPrefix(mime, "video/"):
		return fmt.Sprintf(`<video src="data:%s;base64,%s" controls="controls" alt="%s" />`, mime, data, alt)
	case strings.HasPrefix(mime, "image/"):
		return fmt.Sprintf(`<img src="data:%s;base64,%s" alt="%s" />`, mime, data, alt)
	default:
		b, _ := json.Marshal(map[string]string{mime: data})
		return string(b)
	}
}
