package server

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"icalq/internal/apperr"
	"icalq/internal/config"
	"icalq/internal/engine"
	"icalq/internal/ical"
	"icalq/internal/query"
)

// ReplyKind discriminates the shapes a command can return.
type ReplyKind int

const (
	// ReplyNil signals an absent entity.
	ReplyNil ReplyKind = iota
	// ReplyBool carries a 0/1 outcome.
	ReplyBool
	// ReplyCount carries an integer count.
	ReplyCount
	// ReplyLines carries one entity as sorted property lines.
	ReplyLines
	// ReplyEntities carries a list of entities.
	ReplyEntities
	// ReplyRows carries query rows of [projection, properties].
	ReplyRows
)

// Reply is the uniform command result.
type Reply struct {
	Kind     ReplyKind
	Bool     bool
	Count    int
	Lines    []string
	Entities [][]string
	Rows     []RowReply
}

// RowReply is one two-level query result row.
type RowReply struct {
	Projection []string `json:"projection"`
	Properties []string `json:"properties"`
}

func boolReply(ok bool) (*Reply, error) {
	return &Reply{Kind: ReplyBool, Bool: ok}, nil
}

func countReply(n int) (*Reply, error) {
	return &Reply{Kind: ReplyCount, Count: n}, nil
}

func nilReply() (*Reply, error) {
	return &Reply{Kind: ReplyNil}, nil
}

func linesReply(lines []string) (*Reply, error) {
	return &Reply{Kind: ReplyLines, Lines: lines}, nil
}

// Dispatcher maps logical commands onto the calendar store.
type Dispatcher struct {
	Store    *Store
	Config   *config.Config
	Notifier Notifier
	Logger   zerolog.Logger
	Now      func() time.Time
}

// NewDispatcher wires a dispatcher with the wall clock.
func NewDispatcher(store *Store, cfg *config.Config, notifier Notifier, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		Store:    store,
		Config:   cfg,
		Notifier: notifier,
		Logger:   logger,
		Now:      time.Now,
	}
}

// parseDeadline measures the parse budget on the wall clock, which is the
// clock the parsers' deadline checks compare against; d.Now is not used.
func (d *Dispatcher) parseDeadline() time.Time {
	return time.Now().Add(time.Duration(d.Config.ParserTimeoutMS) * time.Millisecond)
}

func (d *Dispatcher) notify(ctx context.Context, calendarUID, message string) {
	if d.Notifier != nil {
		d.Notifier.Notify(ctx, calendarUID, message)
	}
}

// Dispatch executes one logical command. Every command takes the
// calendar UID as its first argument.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd string, args []string) (*Reply, error) {
	cmd = strings.ToUpper(cmd)

	handler, ok := map[string]func(context.Context, []string) (*Reply, error){
		"CAL_SET":         d.calSet,
		"CAL_GET":         d.calGet,
		"CAL_DEL":         d.calDel,
		"CAL_IDX_DISABLE": d.calIdxDisable,
		"CAL_IDX_REBUILD": d.calIdxRebuild,
		"EVT_SET":         d.evtSet,
		"EVT_GET":         d.evtGet,
		"EVT_DEL":         d.evtDel,
		"EVT_LIST":        d.evtList,
		"EVT_PRUNE":       d.evtPrune,
		"EVT_QUERY":       d.evtQuery,
		"EVO_SET":         d.evoSet,
		"EVO_GET":         d.evoGet,
		"EVO_DEL":         d.evoDel,
		"EVO_LIST":        d.evoList,
		"EVO_PRUNE":       d.evoPrune,
		"EVI_LIST":        d.eviList,
		"EVI_QUERY":       d.eviQuery,
	}[cmd]
	if !ok {
		return nil, apperr.Newf(apperr.KindParse, "unknown command %q", cmd)
	}

	if len(args) < 1 {
		return nil, apperr.Newf(apperr.KindParse, "%s requires a calendar UID", cmd)
	}

	reply, err := handler(ctx, args)
	if err != nil {
		d.Logger.Debug().Err(err).Str("cmd", cmd).Msg("command failed")
	}
	return reply, err
}

func (d *Dispatcher) calSet(ctx context.Context, args []string) (*Reply, error) {
	if len(args) != 1 {
		return nil, apperr.New(apperr.KindParse, "CAL_SET takes exactly one argument")
	}

	created := d.Store.Create(args[0])
	if created {
		d.notify(ctx, args[0], "cal_set")
	}
	return boolReply(created)
}

func (d *Dispatcher) calGet(_ context.Context, args []string) (*Reply, error) {
	var lines []string
	err := d.Store.With(args[0], func(cal *engine.Calendar) error {
		enabled := "FALSE"
		if cal.IndexesEnabled {
			enabled = "TRUE"
		}
		lines = []string{
			"UID:" + cal.UID,
			"X-EVENT-COUNT:" + strconv.Itoa(len(cal.Events)),
			"X-INDEXES-ENABLED:" + enabled,
		}
		return nil
	})
	if apperr.IsKind(err, apperr.KindNotFound) {
		return nilReply()
	}
	if err != nil {
		return nil, err
	}
	return linesReply(lines)
}

func (d *Dispatcher) calDel(ctx context.Context, args []string) (*Reply, error) {
	deleted := d.Store.Delete(args[0])
	if deleted {
		d.notify(ctx, args[0], "cal_del")
	}
	return boolReply(deleted)
}

func (d *Dispatcher) calIdxDisable(ctx context.Context, args []string) (*Reply, error) {
	err := d.Store.With(args[0], func(cal *engine.Calendar) error {
		cal.DisableIndexes()
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.notify(ctx, args[0], "cal_idx_disable")
	return boolReply(true)
}

func (d *Dispatcher) calIdxRebuild(ctx context.Context, args []string) (*Reply, error) {
	err := d.Store.With(args[0], func(cal *engine.Calendar) error {
		cal.RebuildIndexes()
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.notify(ctx, args[0], "cal_idx_rebuild")
	return boolReply(true)
}

func (d *Dispatcher) evtSet(ctx context.Context, args []string) (*Reply, error) {
	if len(args) < 2 {
		return nil, apperr.New(apperr.KindParse, "EVT_SET requires a calendar UID and an event UID")
	}

	eventUID := args[1]
	if eventUID == "" {
		eventUID = uuid.NewString()
	}

	event, err := engine.ParseEvent(eventUID, args[2:], d.Now(), d.parseDeadline())
	if err != nil {
		return nil, err
	}

	var stored bool
	var lines []string
	err = d.Store.With(args[0], func(cal *engine.Calendar) error {
		ok, err := cal.UpsertEvent(event)
		if err != nil {
			return err
		}
		stored = ok
		if ok {
			lines = cal.Event(eventUID).PropertyLines()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !stored {
		// LAST-MODIFIED regression: reported as a falsey no-op.
		return boolReply(false)
	}

	d.notify(ctx, args[0], fmt.Sprintf("evt_set:%s %s", eventUID, lastModifiedLine(event.LastModifiedMillis)))
	return linesReply(lines)
}

func (d *Dispatcher) evtGet(_ context.Context, args []string) (*Reply, error) {
	if len(args) != 2 {
		return nil, apperr.New(apperr.KindParse, "EVT_GET requires a calendar UID and an event UID")
	}

	var lines []string
	err := d.Store.With(args[0], func(cal *engine.Calendar) error {
		if event := cal.Event(args[1]); event != nil {
			lines = event.PropertyLines()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if lines == nil {
		return nilReply()
	}
	return linesReply(lines)
}

func (d *Dispatcher) evtDel(ctx context.Context, args []string) (*Reply, error) {
	if len(args) != 2 {
		return nil, apperr.New(apperr.KindParse, "EVT_DEL requires a calendar UID and an event UID")
	}

	var deleted bool
	err := d.Store.With(args[0], func(cal *engine.Calendar) error {
		deleted = cal.DeleteEvent(args[1])
		return nil
	})
	if err != nil {
		return nil, err
	}
	if deleted {
		d.notify(ctx, args[0], "evt_del:"+args[1])
	}
	return boolReply(deleted)
}

func (d *Dispatcher) evtList(_ context.Context, args []string) (*Reply, error) {
	offset, count, err := parsePagination(args[1:])
	if err != nil {
		return nil, err
	}

	entities := [][]string{}
	err = d.Store.With(args[0], func(cal *engine.Calendar) error {
		uids := cal.EventUIDs()
		for _, uid := range paginate(uids, offset, count) {
			entities = append(entities, cal.Event(uid).PropertyLines())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Reply{Kind: ReplyEntities, Entities: entities}, nil
}

func (d *Dispatcher) evtPrune(_ context.Context, args []string) (*Reply, error) {
	if len(args) != 3 {
		return nil, apperr.New(apperr.KindParse, "EVT_PRUNE requires a calendar UID, from and until")
	}

	from, until, err := parseRangeArgs(args[1], args[2])
	if err != nil {
		return nil, err
	}

	pruned := 0
	err = d.Store.With(args[0], func(cal *engine.Calendar) error {
		pruned = cal.PruneEvents(from, until)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return countReply(pruned)
}

func (d *Dispatcher) evtQuery(_ context.Context, args []string) (*Reply, error) {
	q, err := query.Parse(strings.Join(args[1:], " "), d.parseDeadline())
	if err != nil {
		return nil, err
	}

	var results *query.Results
	err = d.Store.With(args[0], func(cal *engine.Calendar) error {
		var err error
		results, err = query.ExecuteEvents(cal, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rowsReply(results)
}

func (d *Dispatcher) evoSet(ctx context.Context, args []string) (*Reply, error) {
	if len(args) < 3 {
		return nil, apperr.New(apperr.KindParse, "EVO_SET requires a calendar UID, an event UID and an occurrence instant")
	}

	instant, err := ical.ParseDateTime(args[2], "")
	if err != nil {
		return nil, err
	}

	override, err := engine.ParseOverride(instant, args[3:], d.Now(), d.parseDeadline())
	if err != nil {
		return nil, err
	}

	var stored bool
	var lines []string
	err = d.Store.With(args[0], func(cal *engine.Calendar) error {
		ok, err := cal.UpsertOverride(args[1], override)
		if err != nil {
			return err
		}
		stored = ok
		if ok {
			lines = override.PropertyLines()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !stored {
		return boolReply(false)
	}

	d.notify(ctx, args[0], fmt.Sprintf("evo_set:%s:%s %s",
		args[1], ical.FormatUTC(instant), lastModifiedLine(override.LastModifiedMillis)))
	return linesReply(lines)
}

func (d *Dispatcher) evoGet(_ context.Context, args []string) (*Reply, error) {
	if len(args) != 3 {
		return nil, apperr.New(apperr.KindParse, "EVO_GET requires a calendar UID, an event UID and an occurrence instant")
	}

	instant, err := ical.ParseDateTime(args[2], "")
	if err != nil {
		return nil, err
	}

	var lines []string
	err = d.Store.With(args[0], func(cal *engine.Calendar) error {
		event := cal.Event(args[1])
		if event == nil {
			return nil
		}
		if override, ok := event.Overrides[instant]; ok {
			lines = override.PropertyLines()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if lines == nil {
		return nilReply()
	}
	return linesReply(lines)
}

func (d *Dispatcher) evoDel(ctx context.Context, args []string) (*Reply, error) {
	if len(args) != 3 {
		return nil, apperr.New(apperr.KindParse, "EVO_DEL requires a calendar UID, an event UID and an occurrence instant")
	}

	instant, err := ical.ParseDateTime(args[2], "")
	if err != nil {
		return nil, err
	}

	var deleted bool
	err = d.Store.With(args[0], func(cal *engine.Calendar) error {
		deleted = cal.DeleteOverride(args[1], instant)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if deleted {
		d.notify(ctx, args[0], fmt.Sprintf("evo_del:%s:%s", args[1], ical.FormatUTC(instant)))
	}
	return boolReply(deleted)
}

func (d *Dispatcher) evoList(_ context.Context, args []string) (*Reply, error) {
	if len(args) < 2 {
		return nil, apperr.New(apperr.KindParse, "EVO_LIST requires a calendar UID and an event UID")
	}
	offset, count, err := parsePagination(args[2:])
	if err != nil {
		return nil, err
	}

	entities := [][]string{}
	err = d.Store.With(args[0], func(cal *engine.Calendar) error {
		event := cal.Event(args[1])
		if event == nil {
			return apperr.Newf(apperr.KindNotFound, "no event with UID %q", args[1])
		}
		for _, instant := range paginateInstants(event.OverrideInstants(), offset, count) {
			entities = append(entities, event.Overrides[instant].PropertyLines())
		}
		return nil
	})
	if apperr.IsKind(err, apperr.KindNotFound) {
		return nilReply()
	}
	if err != nil {
		return nil, err
	}
	return &Reply{Kind: ReplyEntities, Entities: entities}, nil
}

func (d *Dispatcher) evoPrune(_ context.Context, args []string) (*Reply, error) {
	eventUID := ""
	var fromArg, untilArg string
	switch len(args) {
	case 3:
		fromArg, untilArg = args[1], args[2]
	case 4:
		eventUID, fromArg, untilArg = args[1], args[2], args[3]
	default:
		return nil, apperr.New(apperr.KindParse, "EVO_PRUNE requires a calendar UID, optional event UID, from and until")
	}

	from, until, err := parseRangeArgs(fromArg, untilArg)
	if err != nil {
		return nil, err
	}

	pruned := 0
	err = d.Store.With(args[0], func(cal *engine.Calendar) error {
		var err error
		pruned, err = cal.PruneOverrides(eventUID, from, until)
		return err
	})
	if err != nil {
		return nil, err
	}
	return countReply(pruned)
}

func (d *Dispatcher) eviList(_ context.Context, args []string) (*Reply, error) {
	if len(args) < 2 {
		return nil, apperr.New(apperr.KindParse, "EVI_LIST requires a calendar UID and an event UID")
	}
	offset, count, err := parsePagination(args[2:])
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return &Reply{Kind: ReplyEntities, Entities: [][]string{}}, nil
	}

	entities := [][]string{}
	err = d.Store.With(args[0], func(cal *engine.Calendar) error {
		event := cal.Event(args[1])
		if event == nil {
			return apperr.Newf(apperr.KindNotFound, "no event with UID %q", args[1])
		}

		instants, err := event.InstanceInstants(engine.Bounds{Max: offset + count})
		if err != nil {
			return err
		}

		for _, instant := range paginateInstants(instants, offset, count) {
			lines, err := event.InstanceAt(instant).PropertyLines("UTC")
			if err != nil {
				return err
			}
			entities = append(entities, lines)
		}
		return nil
	})
	if apperr.IsKind(err, apperr.KindNotFound) {
		return nilReply()
	}
	if err != nil {
		return nil, err
	}
	return &Reply{Kind: ReplyEntities, Entities: entities}, nil
}

func (d *Dispatcher) eviQuery(_ context.Context, args []string) (*Reply, error) {
	q, err := query.Parse(strings.Join(args[1:], " "), d.parseDeadline())
	if err != nil {
		return nil, err
	}

	var results *query.Results
	err = d.Store.With(args[0], func(cal *engine.Calendar) error {
		var err error
		results, err = query.Execute(cal, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rowsReply(results)
}

func rowsReply(results *query.Results) (*Reply, error) {
	rows := make([]RowReply, 0, len(results.Rows))
	for _, row := range results.Rows {
		rows = append(rows, RowReply{Projection: row.Projection, Properties: row.Properties})
	}
	return &Reply{Kind: ReplyRows, Rows: rows}, nil
}

func lastModifiedLine(millis int64) string {
	return ical.LastModified{UTCMillis: millis}.ContentLine().String()
}

func parseRangeArgs(fromArg, untilArg string) (int64, int64, error) {
	from, err := ical.ParseDateTime(fromArg, "")
	if err != nil {
		return 0, 0, err
	}
	until, err := ical.ParseDateTime(untilArg, "")
	if err != nil {
		return 0, 0, err
	}
	if until < from {
		return 0, 0, apperr.New(apperr.KindValidation, "until precedes from")
	}
	return from, until, nil
}

func parsePagination(args []string) (offset, count int, err error) {
	offset, count = 0, 50

	if len(args) > 2 {
		return 0, 0, apperr.New(apperr.KindParse, "too many pagination arguments")
	}
	if len(args) >= 1 {
		offset, err = strconv.Atoi(args[0])
		if err != nil || offset < 0 {
			return 0, 0, apperr.Newf(apperr.KindParse, "invalid offset %q", args[0])
		}
	}
	if len(args) == 2 {
		count, err = strconv.Atoi(args[1])
		if err != nil || count < 0 {
			return 0, 0, apperr.Newf(apperr.KindParse, "invalid count %q", args[1])
		}
	}
	return offset, count, nil
}

func paginate(values []string, offset, count int) []string {
	if offset >= len(values) {
		return nil
	}
	values = values[offset:]
	if len(values) > count {
		values = values[:count]
	}
	return values
}

func paginateInstants(values []int64, offset, count int) []int64 {
	if offset >= len(values) {
		return nil
	}
	values = values[offset:]
	if len(values) > count {
		values = values[:count]
	}
	return values
}
