// Package viz draws the change graph of a mergeable document.
package viz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/arseneyr/speakerbox/pkg/mergeable"
)

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}

func label(e mergeable.HistoryEntry) (string, error) {
	var value string
	if e.Present {
		encoded, err := json.Marshal(e.Value)
		if err != nil {
			return "", fmt.Errorf("failed to marshal value at %s: %w", e.Hash, err)
		}
		value = string(encoded)
	} else {
		value = "(absent)"
	}
	lines := []string{fmt.Sprintf("%s %s@%d", shortHash(e.Hash), shortHash(e.Actor), e.Seq)}
	lines = append(lines, e.Writes...)
	lines = append(lines, value)
	return strings.Join(lines, `\n`), nil
}

// RenderHistory writes an SVG with one node per change and an edge from
// each dependency to its dependant.
func RenderHistory(entries []mergeable.HistoryEntry, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodeMap := make(map[string]*cgraph.Node, len(entries))
	edges := 0
	for _, e := range entries {
		n, err := graph.CreateNode(e.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		text, err := label(e)
		if err != nil {
			return err
		}
		n.SetLabel(text)
		n.SetShape(cgraph.BoxShape)
		nodeMap[e.Hash] = n

		for _, dep := range e.Deps {
			from, ok := nodeMap[dep]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), from, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

// RenderDocToSvg renders the history of doc with the value at path shown
// on each change, and writes it to outputPath.
func RenderDocToSvg(doc *mergeable.Doc, path []string, outputPath string) error {
	entries, err := mergeable.History(doc, path...)
	if err != nil {
		return err
	}
	var buff bytes.Buffer
	if err := RenderHistory(entries, &buff); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}
