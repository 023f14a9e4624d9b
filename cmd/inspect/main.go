package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/arseneyr/speakerbox/pkg/mergeable"
	"github.com/arseneyr/speakerbox/pkg/model"
	"github.com/arseneyr/speakerbox/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	pathVar := flag.String("path", "", "slash separated path whose value is shown per change, eg samples/foo/title")
	svgVar := flag.String("svg", "", "write the change graph as svg to this file")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the file to read")
	}
	buff, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	doc, err := mergeable.Load(buff)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	buff = nil

	plain, err := doc.Plain()
	if err != nil {
		return fmt.Errorf("failed to read doc: %w", err)
	}
	slog.Info("loaded doc", "actor", doc.ActorID(), "heads", doc.Heads(), "contents", plain)
	if _, err := model.DecodeMainState(doc); err != nil {
		slog.Warn("not a valid main state", "err", err)
	}

	var path []string
	if *pathVar != "" {
		path = strings.Split(*pathVar, "/")
	}
	entries, err := mergeable.History(doc, path...)
	if err != nil {
		return err
	}
	slog.Info("changes:")
	for i, e := range entries {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", e.Hash, "actor", e.Actor, "seq", e.Seq, "deps", e.Deps, "writes", e.Writes, "value", e.Value)
	}

	conflicts, err := doc.Conflicts()
	if err != nil {
		return fmt.Errorf("failed to compute conflicts: %w", err)
	}
	for _, p := range conflicts.Paths() {
		key := mergeable.JoinPath(p...)
		for _, c := range conflicts[key] {
			slog.Info("conflict", "path", key, "actor", c.ActorID, "value", c.Value)
		}
	}

	if *svgVar != "" {
		if err := viz.RenderDocToSvg(doc, path, *svgVar); err != nil {
			return err
		}
		slog.Info("wrote svg", "path", *svgVar)
	}
	return nil
}
