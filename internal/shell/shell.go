// Package shell implements the fsctl operator shell: a line-oriented
// command language over an embedded feature store. It runs interactively
// with completion when attached to a terminal and reads commands line by
// line otherwise.
package shell

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/olekukonko/tablewriter"

	"github.com/xtxerr/featurestore/internal/constants"
	"github.com/xtxerr/featurestore/internal/errors"
	"github.com/xtxerr/featurestore/internal/feature"
	"github.com/xtxerr/featurestore/internal/featurestore"
	"github.com/xtxerr/featurestore/internal/ingestion"
	"github.com/xtxerr/featurestore/internal/offline"
	"github.com/xtxerr/featurestore/internal/registry"
)

// Store is the part of the feature store the shell drives.
type Store interface {
	RegisterGroup(ctx context.Context, spec registry.GroupSpec) (int64, error)
	AddFeature(ctx context.Context, ref registry.Ref, spec registry.FeatureSpec) (int64, error)
	GetGroup(ctx context.Context, ref registry.Ref) (*feature.Group, error)
	ListGroups(ctx context.Context, prefix string) ([]*feature.Group, error)
	IngestBatch(ctx context.Context, ref registry.Ref, records []feature.Record) (ingestion.Result, error)
	GetOnline(ctx context.Context, ref registry.Ref, entityID string) (feature.Record, error)
	GetOffline(ctx context.Context, ref registry.Ref, entityIDs []string, features []string, mode feature.Mode) (*feature.Table, error)
	Flush(ctx context.Context) (offline.FlushResult, error)
	Compact(ctx context.Context, ref registry.Ref) (int, error)
	Query(ctx context.Context, ref registry.Ref, query string) (*feature.Table, error)
	FeatureStats(ctx context.Context, ref registry.Ref) ([]offline.FeatureStats, error)
	Stats() featurestore.Stats
}

// errExit is returned by the exit command.
var errExit = errors.New("exit")

type command struct {
	name  string
	usage string
	help  string
	run   func(s *Shell, ctx context.Context, args string) error
}

var commands []command

func init() {
	commands = []command{
		{"groups", "groups [prefix]", "list feature groups", (*Shell).cmdGroups},
		{"register", "register <name> <entity,...> [both|online|offline] [description]", "register a feature group", (*Shell).cmdRegister},
		{"add-feature", "add-feature <group> <name> <dtype> [description]", "add a feature to a group", (*Shell).cmdAddFeature},
		{"describe", "describe <group>", "show a group schema", (*Shell).cmdDescribe},
		{"ingest", "ingest <group> <json object or array>", "write records through to the stores", (*Shell).cmdIngest},
		{"get", "get <group> <entity>", "read the online record of an entity", (*Shell).cmdGet},
		{"batch", "batch <group> <entity,...> [all|latest] [feature,...]", "read offline history", (*Shell).cmdBatch},
		{"flush", "flush", "flush memtables to parquet", (*Shell).cmdFlush},
		{"compact", "compact <group>", "merge the segments of a group", (*Shell).cmdCompact},
		{"stats", "stats [group]", "show store state, or feature statistics of a group", (*Shell).cmdStats},
		{"sql", "sql <group> <query>", "query flushed history as table segments", (*Shell).cmdSQL},
		{"help", "help", "show this help", (*Shell).cmdHelp},
		{"exit", "exit", "leave the shell", func(*Shell, context.Context, string) error { return errExit }},
	}
}

func lookupCommand(name string) (command, bool) {
	if name == "quit" {
		name = "exit"
	}
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// Shell executes operator commands against a store.
type Shell struct {
	store   Store
	out     io.Writer
	timeout time.Duration
}

// New creates a shell writing to out. Each command is bounded by timeout;
// zero means unbounded.
func New(store Store, out io.Writer, timeout time.Duration) *Shell {
	return &Shell{store: store, out: out, timeout: timeout}
}

// Execute runs one command line. It returns io.EOF after exit.
func (s *Shell) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}

	name, args := cut(line)
	cmd, ok := lookupCommand(name)
	if !ok {
		return invalidf("unknown command %q (try help)", name)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if err := cmd.run(s, ctx, args); err != nil {
		if errors.Is(err, errExit) {
			return io.EOF
		}
		return err
	}
	return nil
}

// Run reads commands from in until EOF or exit. Failed commands are
// reported and do not stop the loop; the number of failures is returned.
func (s *Shell) Run(ctx context.Context, in io.Reader) (int, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	failures := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return failures, ctx.Err()
		}
		err := s.Execute(ctx, scanner.Text())
		if err == io.EOF {
			return failures, nil
		}
		if err != nil {
			failures++
			fmt.Fprintln(s.out, FormatError(err))
		}
	}
	return failures, scanner.Err()
}

// RunInteractive runs a prompt with history and completion on the
// controlling terminal.
func (s *Shell) RunInteractive(ctx context.Context) {
	exit := false
	p := prompt.New(
		func(line string) {
			err := s.Execute(ctx, line)
			switch {
			case err == io.EOF:
				exit = true
			case err != nil:
				fmt.Fprintln(s.out, FormatError(err))
			}
		},
		s.Complete,
		prompt.OptionPrefix("fsctl> "),
		prompt.OptionTitle("fsctl"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			if !breakline {
				return false
			}
			name, _ := cut(in)
			return exit || name == "exit" || name == "quit"
		}),
	)
	p.Run()
}

// Complete suggests command names for the first word and group names for
// the second.
func (s *Shell) Complete(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	word := d.GetWordBeforeCursor()
	fields := strings.Fields(before)

	if len(fields) == 0 || (len(fields) == 1 && !strings.HasSuffix(before, " ")) {
		suggests := make([]prompt.Suggest, 0, len(commands))
		for _, c := range commands {
			suggests = append(suggests, prompt.Suggest{Text: c.name, Description: c.help})
		}
		return prompt.FilterHasPrefix(suggests, word, true)
	}

	secondWord := len(fields) == 1 || (len(fields) == 2 && !strings.HasSuffix(before, " "))
	if !secondWord {
		return nil
	}
	switch fields[0] {
	case "add-feature", "describe", "ingest", "get", "batch", "compact", "stats", "sql":
	default:
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	groups, err := s.store.ListGroups(ctx, word)
	if err != nil {
		return nil
	}
	suggests := make([]prompt.Suggest, 0, len(groups))
	for _, g := range groups {
		suggests = append(suggests, prompt.Suggest{Text: g.Name, Description: g.Description})
	}
	return suggests
}

// =============================================================================
// Commands
// =============================================================================

func (s *Shell) cmdGroups(ctx context.Context, args string) error {
	groups, err := s.store.ListGroups(ctx, strings.TrimSpace(args))
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(groups))
	for _, g := range groups {
		rows = append(rows, []string{
			fmt.Sprint(g.ID),
			g.Name,
			strings.Join(g.EntityColumns, ","),
			paths(g),
			fmt.Sprint(len(g.Features)),
		})
	}
	s.table([]string{"id", "name", "entity", "paths", "features"}, rows)
	return nil
}

func (s *Shell) cmdRegister(ctx context.Context, args string) error {
	name, rest := cut(args)
	entities, rest := cut(rest)
	if name == "" || entities == "" {
		return usage("register")
	}

	spec := registry.GroupSpec{
		Name:           name,
		EntityColumns:  splitList(entities),
		OnlineEnabled:  true,
		OfflineEnabled: true,
	}

	mode, desc := cut(rest)
	switch mode {
	case "", "both":
	case constants.PathOnline:
		spec.OfflineEnabled = false
	case constants.PathOffline:
		spec.OnlineEnabled = false
	default:
		desc = rest
	}
	spec.Description = desc

	id, err := s.store.RegisterGroup(ctx, spec)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "registered %s (id %d)\n", name, id)
	return nil
}

func (s *Shell) cmdAddFeature(ctx context.Context, args string) error {
	group, rest := cut(args)
	name, rest := cut(rest)
	dtypeName, desc := cut(rest)
	if group == "" || name == "" || dtypeName == "" {
		return usage("add-feature")
	}

	dtype, err := feature.ParseDType(dtypeName)
	if err != nil {
		return invalidf("%w", err)
	}

	id, err := s.store.AddFeature(ctx, registry.ParseRef(group), registry.FeatureSpec{
		Name:        name,
		DType:       dtype,
		Description: desc,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "added %s.%s %s (id %d)\n", group, name, dtype, id)
	return nil
}

func (s *Shell) cmdDescribe(ctx context.Context, args string) error {
	group, _ := cut(args)
	if group == "" {
		return usage("describe")
	}

	g, err := s.store.GetGroup(ctx, registry.ParseRef(group))
	if err != nil {
		return err
	}

	fmt.Fprintf(s.out, "%s (id %d) entity=%s paths=%s\n", g.Name, g.ID, strings.Join(g.EntityColumns, ","), paths(g))
	if g.Description != "" {
		fmt.Fprintln(s.out, g.Description)
	}

	rows := make([][]string, 0, len(g.Features))
	for _, f := range g.Features {
		rows = append(rows, []string{fmt.Sprint(f.ID), f.Name, string(f.DType), f.Description})
	}
	s.table([]string{"id", "feature", "dtype", "description"}, rows)
	return nil
}

func (s *Shell) cmdIngest(ctx context.Context, args string) error {
	group, payload := cut(args)
	if group == "" || payload == "" {
		return usage("ingest")
	}

	records, err := parseRecords(payload)
	if err != nil {
		return err
	}

	ref := registry.ParseRef(group)
	g, err := s.store.GetGroup(ctx, ref)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := coerce(g, rec); err != nil {
			return err
		}
	}

	res, err := s.store.IngestBatch(ctx, ref, records)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "ingested %d record(s): online=%s offline=%s\n", res.Records, res.Online, res.Offline)
	return nil
}

func (s *Shell) cmdGet(ctx context.Context, args string) error {
	group, rest := cut(args)
	entity, _ := cut(rest)
	if group == "" || entity == "" {
		return usage("get")
	}

	rec, err := s.store.GetOnline(ctx, registry.ParseRef(group), entity)
	if err != nil {
		return err
	}
	return s.json(rec)
}

func (s *Shell) cmdBatch(ctx context.Context, args string) error {
	group, rest := cut(args)
	entities, rest := cut(rest)
	if group == "" || entities == "" {
		return usage("batch")
	}

	modeName, rest := cut(rest)
	mode, err := feature.ParseMode(modeName)
	if err != nil {
		return invalidf("%w", err)
	}
	featureList, _ := cut(rest)

	table, err := s.store.GetOffline(ctx, registry.ParseRef(group), splitList(entities), splitList(featureList), mode)
	if err != nil {
		return err
	}
	s.result(table)
	return nil
}

func (s *Shell) cmdFlush(ctx context.Context, _ string) error {
	res, err := s.store.Flush(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "flushed %d row(s) into %d segment(s) across %d group(s) in %v\n",
		res.Rows, res.Segments, res.Groups, res.Duration.Round(time.Millisecond))
	return nil
}

func (s *Shell) cmdCompact(ctx context.Context, args string) error {
	group, _ := cut(args)
	if group == "" {
		return usage("compact")
	}

	merged, err := s.store.Compact(ctx, registry.ParseRef(group))
	if err != nil {
		return err
	}
	if merged == 0 {
		fmt.Fprintln(s.out, "nothing to compact")
		return nil
	}
	fmt.Fprintf(s.out, "merged %d segment(s)\n", merged)
	return nil
}

func (s *Shell) cmdStats(ctx context.Context, args string) error {
	group, _ := cut(args)
	if group == "" {
		s.storeStats()
		return nil
	}

	stats, err := s.store.FeatureStats(ctx, registry.ParseRef(group))
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(stats))
	for _, st := range stats {
		row := []string{st.Name, string(st.DType), fmt.Sprint(st.Count), fmt.Sprint(st.Nulls)}
		if st.Numeric {
			row = append(row, num(st.Min), num(st.Max), num(st.Mean), num(st.P50), num(st.P90), num(st.P99))
		} else {
			row = append(row, "", "", "", "", "", "")
		}
		rows = append(rows, row)
	}
	s.table([]string{"feature", "dtype", "count", "nulls", "min", "max", "mean", "p50", "p90", "p99"}, rows)
	return nil
}

func (s *Shell) storeStats() {
	st := s.store.Stats()
	fmt.Fprintf(s.out, "running=%t uptime=%v\n", st.Running, st.Uptime.Round(time.Second))
	fmt.Fprintf(s.out, "compaction: scheduled=%d completed=%d failed=%d merged=%d\n",
		st.Compaction.JobsScheduled, st.Compaction.JobsCompleted, st.Compaction.JobsFailed, st.Compaction.SegmentsMerged)
	fmt.Fprintf(s.out, "backpressure: level=%s usage=%.1f%% rejected=%d\n",
		st.Backpressure.CurrentLevel, st.Backpressure.Usage*100, st.Backpressure.Rejected)

	rows := make([][]string, 0, len(st.Groups))
	for _, g := range st.Groups {
		rows = append(rows, []string{
			g.Group,
			fmt.Sprint(g.Segments),
			fmt.Sprint(g.SegmentRows),
			fmt.Sprint(g.SegmentBytes),
			fmt.Sprint(g.MemtableRows),
			fmt.Sprint(g.FrozenRows),
		})
	}
	s.table([]string{"group", "segments", "segment rows", "bytes", "memtable", "frozen"}, rows)
}

func (s *Shell) cmdSQL(ctx context.Context, args string) error {
	group, query := cut(args)
	if group == "" || query == "" {
		return usage("sql")
	}

	table, err := s.store.Query(ctx, registry.ParseRef(group), query)
	if err != nil {
		return err
	}
	s.result(table)
	return nil
}

func (s *Shell) cmdHelp(context.Context, string) error {
	rows := make([][]string, 0, len(commands))
	for _, c := range commands {
		rows = append(rows, []string{c.usage, c.help})
	}
	s.table([]string{"command", "description"}, rows)
	return nil
}

// =============================================================================
// Output
// =============================================================================

func (s *Shell) table(header []string, rows [][]string) {
	w := tablewriter.NewWriter(s.out)
	w.SetHeader(header)
	w.SetAutoWrapText(false)
	w.SetAutoFormatHeaders(false)
	w.AppendBulk(rows)
	w.Render()
}

func (s *Shell) result(t *feature.Table) {
	rows := make([][]string, 0, len(t.Rows))
	for _, r := range t.Rows {
		row := make([]string, len(r))
		for i, v := range r {
			row[i] = v.String()
		}
		rows = append(rows, row)
	}
	s.table(t.Columns, rows)
	fmt.Fprintf(s.out, "(%d row(s))\n", len(rows))
}

func (s *Shell) json(rec feature.Record) error {
	// Sorted keys keep the output stable.
	names := rec.Names()
	ordered := make([]string, 0, len(names))
	for _, n := range names {
		v, err := json.Marshal(rec[n])
		if err != nil {
			return err
		}
		k, _ := json.Marshal(n)
		ordered = append(ordered, string(k)+": "+string(v))
	}
	fmt.Fprintf(s.out, "{%s}\n", strings.Join(ordered, ", "))
	return nil
}

// =============================================================================
// Parsing
// =============================================================================

// cut splits s into its first whitespace-delimited word and the trimmed
// remainder.
func cut(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i+1:])
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseRecords accepts a JSON object or an array of objects.
func parseRecords(payload string) ([]feature.Record, error) {
	if strings.HasPrefix(payload, "[") {
		var records []feature.Record
		if err := json.Unmarshal([]byte(payload), &records); err != nil {
			return nil, invalidf("parse records: %w", err)
		}
		return records, nil
	}

	var rec feature.Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, invalidf("parse record: %w", err)
	}
	return []feature.Record{rec}, nil
}

// coerce converts JSON-typed feature values in rec to the declared dtypes,
// so timestamps can be written as RFC 3339 strings. Fields the group does
// not declare are left for ingest validation to report.
func coerce(g *feature.Group, rec feature.Record) error {
	violations := &errors.SchemaViolationError{Group: g.Name}
	for _, name := range rec.Names() {
		f, ok := g.Feature(name)
		if !ok {
			continue
		}
		v, err := f.DType.Coerce(rec[name])
		if err != nil {
			violations.Add(name, err.Error())
			continue
		}
		rec[name] = v
	}
	return violations.Err()
}

// FormatError renders err with its error class and, for failures that may
// succeed when repeated, a retry hint.
func FormatError(err error) string {
	msg := fmt.Sprintf("error [%s]: %v", errors.CodeName(errors.ErrorToCode(err)), err)
	if errors.IsRetriable(err) {
		msg += " (retriable)"
	}
	return msg
}

// ExitCode maps a command error to a process exit status: 0 on success,
// 75 (EX_TEMPFAIL) when a retry may succeed, 1 otherwise.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.IsRetriable(err):
		return 75
	default:
		return 1
	}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidRequest}, args...)...)
}

func usage(name string) error {
	c, _ := lookupCommand(name)
	return invalidf("usage: %s", c.usage)
}

func paths(g *feature.Group) string {
	var p []string
	if g.OnlineEnabled {
		p = append(p, constants.PathOnline)
	}
	if g.OfflineEnabled {
		p = append(p, constants.PathOffline)
	}
	if len(p) == 0 {
		return "none"
	}
	return strings.Join(p, ",")
}

func num(f float64) string {
	return fmt.Sprintf("%.4g", f)
}
