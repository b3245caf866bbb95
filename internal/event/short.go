package event

import "regexp"

var inlineMedia = regexp.MustCompile(`^<(?P<tag>img|video) src="data:(image|video)/[-+_a-zA-Z0-9]+;base64,[^"]+" (controls="controls" )?alt="(?P<alt>[^"]+)" />$`)

const omittedMedia = "/*The media has shown, but the URL in the chat history has omitted.*/"

// ShortContent returns the output with inline media payloads replaced by a
// placeholder. Any other content is returned unchanged.
func (e *FunctionOutput) ShortContent() string {
	return shortContent(e.Content)
}

func shortContent(s string) string {
	m := inlineMedia.FindStringSubmatch(s)
	if m == nil {
		return s
	}
	tag := m[inlineMedia.SubexpIndex("tag")]
	alt := m[inlineMedia.SubexpIndex("alt")]
	return `<` + tag + ` alt="` + alt + `" src="` + omittedMedia + `" />`
}
