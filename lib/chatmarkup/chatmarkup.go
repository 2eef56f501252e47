// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package chatmarkup converts the markdown that agents and progress
// rendering produce into the small HTML subset Telegram accepts with
// parse_mode=HTML: b, i, s, code, pre, a, and blockquote. Everything
// else is flattened to text (headings become bold, lists become bullet
// lines, tables become pipe-separated rows).
//
// Output is always well-formed for Telegram: text is escaped, every tag
// that is opened is closed, and Split never cuts inside a tag.
package chatmarkup

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// MaxMessageLength is Telegram's limit on one message's text.
const MaxMessageLength = 4096

var (
	markdownParserInstance goldmark.Markdown
	markdownParserOnce     sync.Once
)

func markdownParser() goldmark.Markdown {
	markdownParserOnce.Do(func() {
		markdownParserInstance = goldmark.New(
			goldmark.WithExtensions(extension.Strikethrough, extension.Table, extension.TaskList, extension.Linkify),
		)
	})
	return markdownParserInstance
}

var textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// Escape makes text safe to embed in Telegram HTML.
func Escape(text string) string {
	return textEscaper.Replace(text)
}

func escapeAttribute(value string) string {
	return strings.ReplaceAll(Escape(value), `"`, "&quot;")
}

// ToHTML renders markdown as one Telegram HTML string. The result may
// exceed MaxMessageLength; use Split to send it.
func ToHTML(markdown string) string {
	return strings.Join(renderBlocks(markdown), "\n\n")
}

// renderBlocks renders each top-level block separately so Split can
// break between them.
func renderBlocks(markdown string) []string {
	if strings.TrimSpace(markdown) == "" {
		return nil
	}
	source := []byte(markdown)
	document := markdownParser().Parser().Parse(text.NewReader(source))

	var blocks []string
	for child := document.FirstChild(); child != nil; child = child.NextSibling() {
		renderer := &htmlRenderer{source: source}
		ast.Walk(child, renderer.walk)
		if rendered := strings.TrimSpace(renderer.output.String()); rendered != "" {
			blocks = append(blocks, rendered)
		}
	}
	return blocks
}

// htmlRenderer walks a goldmark AST and writes Telegram HTML.
type htmlRenderer struct {
	source []byte
	output strings.Builder
	lists  []listState
}

type listState struct {
	ordered bool
	counter int
	tight   bool
}

func (renderer *htmlRenderer) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node.Kind() {

	case ast.KindParagraph, ast.KindTextBlock:
		if !entering {
			renderer.endBlock()
		}

	case ast.KindHeading:
		if entering {
			renderer.output.WriteString("<b>")
		} else {
			renderer.output.WriteString("</b>")
			renderer.endBlock()
		}

	case ast.KindFencedCodeBlock, ast.KindCodeBlock:
		if entering {
			renderer.renderCodeBlock(node)
			renderer.endBlock()
			return ast.WalkSkipChildren, nil
		}

	case ast.KindBlockquote:
		if entering {
			renderer.output.WriteString("<blockquote>")
			renderer.output.WriteString(renderer.renderChildren(node))
			renderer.output.WriteString("</blockquote>")
			renderer.endBlock()
			return ast.WalkSkipChildren, nil
		}

	case ast.KindList:
		if entering {
			list := node.(*ast.List)
			renderer.ensureNewline()
			renderer.lists = append(renderer.lists, listState{
				ordered: list.IsOrdered(),
				counter: list.Start,
				tight:   list.IsTight,
			})
		} else {
			renderer.lists = renderer.lists[:len(renderer.lists)-1]
			if len(renderer.lists) == 0 {
				renderer.ensureBlankLine()
			}
		}

	case ast.KindListItem:
		if entering {
			renderer.enterListItem()
		} else {
			renderer.ensureNewline()
		}

	case ast.KindThematicBreak:
		if entering {
			renderer.output.WriteString("⸻")
			renderer.endBlock()
		}

	case ast.KindHTMLBlock:
		if entering {
			renderer.output.WriteString(Escape(strings.TrimRight(renderer.lines(node), "\n")))
			if block := node.(*ast.HTMLBlock); block.HasClosure() {
				renderer.output.WriteString(Escape(string(block.ClosureLine.Value(renderer.source))))
			}
			renderer.endBlock()
			return ast.WalkSkipChildren, nil
		}

	case ast.KindText:
		if entering {
			textNode := node.(*ast.Text)
			renderer.output.WriteString(Escape(string(textNode.Segment.Value(renderer.source))))
			if textNode.HardLineBreak() || textNode.SoftLineBreak() {
				renderer.output.WriteString("\n")
			}
		}

	case ast.KindString:
		if entering {
			renderer.output.WriteString(Escape(string(node.(*ast.String).Value)))
		}

	case ast.KindEmphasis:
		tag := "i"
		if node.(*ast.Emphasis).Level >= 2 {
			tag = "b"
		}
		if entering {
			renderer.output.WriteString("<" + tag + ">")
		} else {
			renderer.output.WriteString("</" + tag + ">")
		}

	case ast.KindCodeSpan:
		if entering {
			renderer.output.WriteString("<code>")
			renderer.output.WriteString(Escape(renderer.plainText(node)))
			renderer.output.WriteString("</code>")
			return ast.WalkSkipChildren, nil
		}

	case ast.KindLink:
		link := node.(*ast.Link)
		if entering {
			fmt.Fprintf(&renderer.output, `<a href="%s">`, escapeAttribute(string(link.Destination)))
		} else {
			renderer.output.WriteString("</a>")
		}

	case ast.KindAutoLink:
		if entering {
			autoLink := node.(*ast.AutoLink)
			url := string(autoLink.URL(renderer.source))
			if autoLink.AutoLinkType == ast.AutoLinkEmail && !strings.HasPrefix(url, "mailto:") {
				url = "mailto:" + url
			}
			fmt.Fprintf(&renderer.output, `<a href="%s">%s</a>`,
				escapeAttribute(url), Escape(string(autoLink.Label(renderer.source))))
			return ast.WalkSkipChildren, nil
		}

	case ast.KindImage:
		if entering {
			image := node.(*ast.Image)
			label := renderer.plainText(node)
			if label == "" {
				label = "image"
			}
			fmt.Fprintf(&renderer.output, `<a href="%s">%s</a>`,
				escapeAttribute(string(image.Destination)), Escape(label))
			return ast.WalkSkipChildren, nil
		}

	case ast.KindRawHTML:
		if entering {
			raw := node.(*ast.RawHTML)
			for index := 0; index < raw.Segments.Len(); index++ {
				segment := raw.Segments.At(index)
				renderer.output.WriteString(Escape(string(segment.Value(renderer.source))))
			}
			return ast.WalkSkipChildren, nil
		}

	case extast.KindStrikethrough:
		if entering {
			renderer.output.WriteString("<s>")
		} else {
			renderer.output.WriteString("</s>")
		}

	case extast.KindTaskCheckBox:
		if entering {
			if node.(*extast.TaskCheckBox).IsChecked {
				renderer.output.WriteString("☑")
			} else {
				renderer.output.WriteString("☐")
			}
		}

	case extast.KindTable:
		if entering {
			renderer.renderTable(node)
			renderer.endBlock()
			return ast.WalkSkipChildren, nil
		}
	}

	return ast.WalkContinue, nil
}

// endBlock separates a finished block from whatever follows. Inside a
// tight list, blocks are separated by a single newline.
func (renderer *htmlRenderer) endBlock() {
	if len(renderer.lists) > 0 && renderer.lists[len(renderer.lists)-1].tight {
		renderer.ensureNewline()
		return
	}
	renderer.ensureBlankLine()
}

func (renderer *htmlRenderer) trailingNewlines() int {
	current := renderer.output.String()
	count := 0
	for index := len(current) - 1; index >= 0 && current[index] == '\n'; index-- {
		count++
	}
	if count == len(current) {
		// Nothing written yet counts as being at a fresh block.
		return 2
	}
	return count
}

func (renderer *htmlRenderer) ensureNewline() {
	if renderer.trailingNewlines() < 1 {
		renderer.output.WriteString("\n")
	}
}

func (renderer *htmlRenderer) ensureBlankLine() {
	for missing := 2 - renderer.trailingNewlines(); missing > 0; missing-- {
		renderer.output.WriteString("\n")
	}
}

func (renderer *htmlRenderer) enterListItem() {
	renderer.ensureNewline()
	depth := len(renderer.lists)
	if depth == 0 {
		return
	}
	list := &renderer.lists[depth-1]
	renderer.output.WriteString(strings.Repeat("  ", depth-1))
	if list.ordered {
		fmt.Fprintf(&renderer.output, "%d. ", list.counter)
		list.counter++
	} else {
		renderer.output.WriteString("• ")
	}
}

func (renderer *htmlRenderer) renderCodeBlock(node ast.Node) {
	code := strings.TrimRight(renderer.lines(node), "\n")
	language := ""
	if fenced, ok := node.(*ast.FencedCodeBlock); ok {
		language = string(fenced.Language(renderer.source))
	}
	if language != "" {
		fmt.Fprintf(&renderer.output, `<pre><code class="language-%s">%s</code></pre>`,
			escapeAttribute(language), Escape(code))
		return
	}
	fmt.Fprintf(&renderer.output, "<pre>%s</pre>", Escape(code))
}

func (renderer *htmlRenderer) renderTable(table ast.Node) {
	var rows []string
	for row := table.FirstChild(); row != nil; row = row.NextSibling() {
		var cells []string
		for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
			cells = append(cells, renderer.renderChildren(cell))
		}
		line := strings.Join(cells, " | ")
		if row.Kind() == extast.KindTableHeader {
			line = "<b>" + line + "</b>"
		}
		rows = append(rows, line)
	}
	renderer.output.WriteString(strings.Join(rows, "\n"))
}

// renderChildren renders node's children with a fresh renderer and
// returns the trimmed result.
func (renderer *htmlRenderer) renderChildren(node ast.Node) string {
	child := &htmlRenderer{source: renderer.source}
	for current := node.FirstChild(); current != nil; current = current.NextSibling() {
		ast.Walk(current, child.walk)
	}
	return strings.TrimSpace(child.output.String())
}

// lines concatenates a block node's raw source lines.
func (renderer *htmlRenderer) lines(node ast.Node) string {
	var builder strings.Builder
	lines := node.Lines()
	for index := 0; index < lines.Len(); index++ {
		segment := lines.At(index)
		builder.Write(segment.Value(renderer.source))
	}
	return builder.String()
}

// plainText collects the literal text under an inline node.
func (renderer *htmlRenderer) plainText(node ast.Node) string {
	var builder strings.Builder
	ast.Walk(node, func(current ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch typed := current.(type) {
		case *ast.Text:
			builder.Write(typed.Segment.Value(renderer.source))
			if typed.SoftLineBreak() || typed.HardLineBreak() {
				builder.WriteString(" ")
			}
		case *ast.String:
			builder.Write(typed.Value)
		}
		return ast.WalkContinue, nil
	})
	return builder.String()
}

// Split renders markdown and packs it into messages of at most limit
// characters (MaxMessageLength when limit <= 0). Breaks fall between
// top-level blocks. A single block longer than limit is flattened to
// text and cut at line boundaries where possible; code blocks keep
// their pre formatting in each piece.
func Split(markdown string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLength
	}

	var messages []string
	var current strings.Builder
	currentLength := 0
	flush := func() {
		if currentLength > 0 {
			messages = append(messages, current.String())
			current.Reset()
			currentLength = 0
		}
	}
	add := func(piece string) {
		length := utf8.RuneCountInString(piece)
		separator := 0
		if currentLength > 0 {
			separator = 2
		}
		if currentLength+separator+length > limit {
			flush()
			separator = 0
		}
		if separator > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(piece)
		currentLength += separator + length
	}

	for _, block := range renderBlocks(markdown) {
		if utf8.RuneCountInString(block) <= limit {
			add(block)
			continue
		}
		for _, piece := range splitOversized(block, limit) {
			add(piece)
		}
	}
	flush()
	return messages
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// splitOversized breaks one rendered block that is too long to send.
// Rendered HTML never contains a literal '<' outside a tag, so
// stripping tags and unescaping recovers the block's text exactly.
func splitOversized(block string, limit int) []string {
	preformatted := strings.HasPrefix(block, "<pre>")
	openTag, closeTag := "", ""
	if preformatted {
		openTag, closeTag = "<pre>", "</pre>"
	}
	budget := limit - len(openTag) - len(closeTag)
	plain := html.UnescapeString(tagPattern.ReplaceAllString(block, ""))

	var pieces []string
	var current strings.Builder
	currentLength := 0
	flush := func() {
		if currentLength > 0 {
			pieces = append(pieces, openTag+current.String()+closeTag)
			current.Reset()
			currentLength = 0
		}
	}
	appendEscaped := func(escaped string) {
		length := utf8.RuneCountInString(escaped)
		if currentLength+length > budget {
			flush()
		}
		current.WriteString(escaped)
		currentLength += length
	}

	for index, line := range strings.Split(plain, "\n") {
		if index > 0 && currentLength > 0 {
			appendEscaped("\n")
		}
		escaped := Escape(line)
		if utf8.RuneCountInString(escaped) <= budget {
			appendEscaped(escaped)
			continue
		}
		// A single line longer than a message: cut it rune by rune,
		// never inside an entity.
		for _, r := range line {
			appendEscaped(Escape(string(r)))
		}
	}
	flush()
	return pieces
}
