package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	appdocnumber "github.com/erp/docnumber/internal/application/docnumber"
	"github.com/erp/docnumber/internal/domain/docnumber"
	"github.com/erp/docnumber/internal/infrastructure/logger"
	"github.com/erp/docnumber/internal/infrastructure/persistence"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

type commandFunc func(ctx context.Context, a *app, args []string) error

var commands = map[string]commandFunc{
	"allocate": cmdAllocate,
	"parse":    cmdParse,
	"validate": cmdValidate,
	"gaps":     cmdGaps,
	"resync":   cmdResync,
	"set":      cmdSet,
	"counters": cmdCounters,
	"seed":     cmdSeed,
	"setting":  cmdSetting,
}

var errUsage = errors.New("invalid arguments")

// tableFlags selects the document table whose rows hold the active numbers
type tableFlags struct {
	table         string
	column        string
	deletedColumn string
	deletedAt     bool
}

func (f *tableFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.table, "table", "", "Document table holding the issued numbers")
	fs.StringVar(&f.column, "column", "", "Column of the document number")
	fs.StringVar(&f.deletedColumn, "deleted-column", "", "Soft delete column; rows where it is set are ignored")
	fs.BoolVar(&f.deletedAt, "deleted-at", false, "Treat -deleted-column as a nullable timestamp instead of a boolean")
}

// lister returns nil when no table was given
func (f *tableFlags) lister(a *app) (docnumber.ActiveNumberLister, error) {
	if f.table == "" && f.column == "" {
		return nil, nil
	}
	if f.table == "" || f.column == "" {
		return nil, fmt.Errorf("%w: -table and -column must be given together", errUsage)
	}
	var opts []persistence.ListerOption
	switch {
	case f.deletedColumn != "" && f.deletedAt:
		opts = append(opts, persistence.WithDeletedAt(f.deletedColumn))
	case f.deletedColumn != "":
		opts = append(opts, persistence.WithDeletedFlag(f.deletedColumn))
	}
	return persistence.NewTableActiveNumberLister(a.db.DB, f.table, f.column, opts...)
}

// dateFlag parses -date in the allocation zone; empty means today
type dateFlag struct {
	value string
}

func (f *dateFlag) register(fs *flag.FlagSet) {
	fs.StringVar(&f.value, "date", "", "Business date as YYYY-MM-DD (default: today)")
}

func (f *dateFlag) parse(loc *time.Location) (time.Time, error) {
	if f.value == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(dateLayout, f.value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: -date %q is not YYYY-MM-DD", errUsage, f.value)
	}
	return t, nil
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func positional(fs *flag.FlagSet, n int, usage string) ([]string, error) {
	if fs.NArg() != n {
		return nil, fmt.Errorf("%w: usage: docnumber %s %s", errUsage, fs.Name(), usage)
	}
	return fs.Args(), nil
}

func cmdAllocate(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("allocate")
	var (
		date  dateFlag
		table tableFlags
		opID  string
	)
	date.register(fs)
	table.register(fs)
	fs.StringVar(&opID, "operation-id", "", "Id of the business operation the number is for, added to logs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pos, err := positional(fs, 1, "[flags] <type>")
	if err != nil {
		return err
	}
	d, err := date.parse(a.cfg.DocNumber.Location())
	if err != nil {
		return err
	}
	lister, err := table.lister(a)
	if err != nil {
		return err
	}

	if opID != "" {
		ctx, _ = logger.WithOperationID(ctx, a.log, opID)
	}
	var opts []appdocnumber.AllocateOption
	if lister != nil {
		opts = append(opts, appdocnumber.WithActiveNumbers(lister))
	}
	alloc, err := a.allocator.AllocateDetailed(ctx, pos[0], d, opts...)
	if err != nil {
		return err
	}
	fmt.Println(alloc.Number)
	if alloc.Reused {
		fmt.Fprintf(os.Stderr, "reused gap %d of %s%s\n", alloc.Sequence, alloc.Prefix, alloc.DateBucket)
	}
	return nil
}

func cmdParse(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("parse")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pos, err := positional(fs, 2, "<type> <number>")
	if err != nil {
		return err
	}
	parsed, ok := a.allocator.Parse(ctx, pos[0], pos[1])
	if !ok {
		return fmt.Errorf("%q is not a number of %s", pos[1], pos[0])
	}
	fmt.Printf("prefix:   %s\n", parsed.Prefix)
	fmt.Printf("bucket:   %s\n", parsed.DateBucket)
	fmt.Printf("date:     %s\n", parsed.Date.Format(dateLayout))
	fmt.Printf("sequence: %d\n", parsed.Sequence)
	return nil
}

func cmdValidate(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("validate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pos, err := positional(fs, 2, "<type> <number>")
	if err != nil {
		return err
	}
	if !a.allocator.Validate(ctx, pos[0], pos[1]) {
		return fmt.Errorf("%q is not a valid number of %s", pos[1], pos[0])
	}
	fmt.Println("valid")
	return nil
}

// parseMaintenance reads the flags shared by gaps and resync
func parseMaintenance(a *app, name string, args []string) (string, time.Time, docnumber.ActiveNumberLister, error) {
	fs := newFlagSet(name)
	var (
		date  dateFlag
		table tableFlags
	)
	date.register(fs)
	table.register(fs)
	if err := fs.Parse(args); err != nil {
		return "", time.Time{}, nil, err
	}
	pos, err := positional(fs, 1, "-table t -column c [flags] <type>")
	if err != nil {
		return "", time.Time{}, nil, err
	}
	d, err := date.parse(a.cfg.DocNumber.Location())
	if err != nil {
		return "", time.Time{}, nil, err
	}
	lister, err := table.lister(a)
	if err != nil {
		return "", time.Time{}, nil, err
	}
	if lister == nil {
		return "", time.Time{}, nil, fmt.Errorf("%w: %s needs -table and -column", errUsage, name)
	}
	return pos[0], d, lister, nil
}

func cmdGaps(ctx context.Context, a *app, args []string) error {
	typeKey, d, lister, err := parseMaintenance(a, "gaps", args)
	if err != nil {
		return err
	}
	report, err := a.maintenance.Inspect(ctx, typeKey, d, lister)
	if err != nil {
		return err
	}

	fmt.Printf("sequence:      %s%s\n", report.Prefix, report.DateBucket)
	fmt.Printf("counter:       %d (stored: %t)\n", report.Counter, report.Exists)
	fmt.Printf("active:        %d, highest %d\n", len(report.Active), report.MaxActive)
	fmt.Printf("gaps:          %s\n", joinSequences(report.Gaps))
	fmt.Printf("reusable gaps: %s\n", joinSequences(report.ReusableGaps))
	if len(report.Malformed) > 0 {
		fmt.Printf("malformed:     %s\n", strings.Join(report.Malformed, ", "))
	}
	fmt.Printf("next number:   %s\n", report.NextNumber)
	if report.Behind() {
		fmt.Println("counter is behind the highest active number; run resync")
	}
	return nil
}

func cmdResync(ctx context.Context, a *app, args []string) error {
	typeKey, d, lister, err := parseMaintenance(a, "resync", args)
	if err != nil {
		return err
	}
	change, err := a.maintenance.Resync(ctx, typeKey, d, lister)
	if err != nil {
		return err
	}
	printChange(change.Prefix+change.DateBucket, change.Previous, change.Current, change.Changed())
	return nil
}

func cmdSet(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("set")
	var date dateFlag
	date.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	pos, err := positional(fs, 2, "[-date YYYY-MM-DD] <type> <value>")
	if err != nil {
		return err
	}
	value, err := strconv.ParseUint(pos[1], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: counter value %q is not a non-negative integer", errUsage, pos[1])
	}
	d, err := date.parse(a.cfg.DocNumber.Location())
	if err != nil {
		return err
	}
	change, err := a.maintenance.SetCounter(ctx, pos[0], d, value)
	if err != nil {
		return err
	}
	printChange(change.Prefix+change.DateBucket, change.Previous, change.Current, change.Changed())
	return nil
}

func cmdCounters(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("counters")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pos, err := positional(fs, 1, "<type>")
	if err != nil {
		return err
	}
	records, err := a.maintenance.ListCounters(ctx, pos[0])
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no counters")
		return nil
	}
	for _, r := range records {
		fmt.Printf("%-12s %-10s %8d  %s\n", r.Key.Prefix, r.Key.DateBucket, r.Current,
			r.UpdatedAt.In(a.cfg.DocNumber.Location()).Format(time.RFC3339))
	}
	return nil
}

func cmdSeed(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("seed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	created, err := a.resolver.SeedDefaults(ctx)
	if err != nil {
		return err
	}
	a.log.Info("Default settings seeded", zap.Int("created", created))
	fmt.Printf("%d settings created\n", created)
	return nil
}

func cmdSetting(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("setting")
	if err := fs.Parse(args); err != nil {
		return err
	}
	pos, err := positional(fs, 2, "<key> <value>")
	if err != nil {
		return err
	}
	if err := a.resolver.SetSetting(ctx, pos[0], pos[1]); err != nil {
		return err
	}
	fmt.Printf("%s = %s\n", pos[0], pos[1])
	return nil
}

func printChange(sequence string, previous, current uint64, changed bool) {
	if !changed {
		fmt.Printf("%s unchanged at %d\n", sequence, current)
		return
	}
	fmt.Printf("%s: %d -> %d\n", sequence, previous, current)
}

func joinSequences(seqs []uint64) string {
	if len(seqs) == 0 {
		return "none"
	}
	parts := make([]string, len(seqs))
	for i, s := range seqs {
		parts[i] = strconv.FormatUint(s, 10)
	}
	return strings.Join(parts, ", ")
}
