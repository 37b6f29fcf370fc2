package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rift/internal/app"
	"github.com/roach88/rift/internal/doc"
	"github.com/roach88/rift/internal/link"
	"github.com/roach88/rift/internal/remote"
	"github.com/roach88/rift/internal/state"
	"github.com/roach88/rift/internal/transform"
)

// Bounds for waiting on a watch to apply remote data.
const (
	syncTimeout  = 10 * time.Second
	pollInterval = 10 * time.Millisecond
)

// EntityOptions holds flags shared by the entity commands.
type EntityOptions struct {
	*RootOptions
	Room string
}

// EntityOutput is the payload of get.
type EntityOutput struct {
	ID   string       `json:"id"`
	Room string       `json:"room,omitempty"`
	Data doc.Document `json:"data"`
}

// WriteOutput is the payload of write.
type WriteOutput struct {
	ID     string   `json:"id"`
	Room   string   `json:"room,omitempty"`
	Fields []string `json:"fields"`
}

// WriteAllOutput is the payload of write-all.
type WriteAllOutput struct {
	Room      string `json:"room,omitempty"`
	Field     string `json:"field"`
	Expr      string `json:"expr"`
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
}

func addRoomFlag(cmd *cobra.Command, opts *EntityOptions) {
	cmd.Flags().StringVar(&opts.Room, "room", "", "room id (default: the active room)")
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EntityOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Print an entity from the remote store",
		Example: `  rift get aria
  rift get aria --room R1 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd.Context(), opts, args[0], cmd)
		},
	}
	addRoomFlag(cmd, opts)
	return cmd
}

func runGet(ctx context.Context, opts *EntityOptions, id string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	a, logger, err := opts.openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer closeApp(ctx, a, logger)

	room := resolveRoom(a, opts.Room)
	snap, err := a.Remote().Get(ctx, remote.CharactersCollection(room), id)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read entity", err)
	}
	if !snap.Exists {
		msg := fmt.Sprintf("entity %s not found", id)
		_ = f.Error(ErrCodeNotFound, msg, map[string]string{"room": room})
		return NewExitError(ExitFailure, msg)
	}
	return f.Success(EntityOutput{ID: id, Room: room, Data: snap.Data})
}

// NewWriteCommand creates the write command.
func NewWriteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EntityOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "write <id> <path=value>...",
		Short: "Write fields of an entity immediately",
		Long: `Write one or more field paths of an entity in a single update.

Values are parsed as JSON when possible and used as strings otherwise.
"$serverTimestamp" writes the store's commit time and "$delete" removes
the field. The entity is created when it does not exist.`,
		Example: `  rift write aria hp=7
  rift write aria 'hp.current=7' 'conditions=["prone"]' note='$delete'`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(cmd.Context(), opts, args[0], args[1:], cmd)
		},
	}
	addRoomFlag(cmd, opts)
	return cmd
}

func runWrite(ctx context.Context, opts *EntityOptions, id string, assignments []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	fields, err := parseAssignments(assignments)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid assignment", err)
	}

	a, logger, err := opts.openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer closeApp(ctx, a, logger)

	room := resolveRoom(a, opts.Room)
	if err := trackEntity(ctx, a, id, room); err != nil {
		return WrapExitError(ExitCommandError, "failed to watch entity", err)
	}

	if err := a.Bridge().WriteBatch(ctx, id, fields); err != nil {
		return writeFailure(f, err)
	}

	paths := make([]string, 0, len(fields))
	for p := range fields {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	if opts.Format == "json" {
		return f.Success(WriteOutput{ID: id, Room: room, Fields: paths})
	}
	return f.Success(fmt.Sprintf("✓ wrote %s [%s]", id, strings.Join(paths, ", ")))
}

// NewWriteAllCommand creates the write-all command.
func NewWriteAllCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EntityOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "write-all <path> <expr>",
		Short: "Apply an expression to a field of every entity in a room",
		Long: `Evaluate an expression for every entity in the room and write each
result that differs from the current value.

The expression sees "value" (the current value at path, nil when missing)
and "id" (the entity id). clamp(x, lo, hi) and default(x, fallback) are
available.`,
		Example: `  rift write-all hp 'clamp(value + 5, 0, 20)'
  rift write-all level 'default(value, 1)' --room R1`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWriteAll(cmd.Context(), opts, args[0], args[1], cmd)
		},
	}
	addRoomFlag(cmd, opts)
	return cmd
}

func runWriteAll(ctx context.Context, opts *EntityOptions, path, expr string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	t, err := transform.Compile(expr)
	if err != nil {
		_ = f.Error(ErrCodeTransform, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid expression", err)
	}

	a, logger, err := opts.openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer closeApp(ctx, a, logger)

	room := resolveRoom(a, opts.Room)
	if err := trackCollection(ctx, a, room); err != nil {
		return WrapExitError(ExitCommandError, "failed to watch room", err)
	}

	result, err := a.Bridge().WriteAll(ctx, path, t.Func())
	out := WriteAllOutput{
		Room:      room,
		Field:     path,
		Expr:      t.String(),
		Attempted: result.Attempted,
		Succeeded: result.Succeeded,
	}
	if err != nil {
		_ = f.Error(errorCode(err), err.Error(), out)
		return WrapExitError(ExitFailure, fmt.Sprintf("%d of %d writes failed", out.Attempted-out.Succeeded, out.Attempted), err)
	}
	if opts.Format == "json" {
		return f.Success(out)
	}
	return f.Success(fmt.Sprintf("✓ %d of %d entities updated", out.Succeeded, out.Attempted))
}

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	EntityOptions
	Collection bool
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{EntityOptions: EntityOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "watch [id]",
		Short: "Stream entity changes until interrupted",
		Example: `  rift watch aria
  rift watch --collection --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runWatch(cmd.Context(), opts, id, cmd)
		},
	}
	addRoomFlag(cmd, &opts.EntityOptions)
	cmd.Flags().BoolVar(&opts.Collection, "collection", false, "watch every entity in the room")
	return cmd
}

func runWatch(ctx context.Context, opts *WatchOptions, id string, cmd *cobra.Command) error {
	if (id == "") == !opts.Collection {
		return NewExitError(ExitCommandError, "give either an entity id or --collection")
	}
	f := opts.formatter(cmd)

	a, logger, err := opts.openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer closeApp(context.WithoutCancel(ctx), a, logger)

	events := make(chan state.Event, 64)
	forward := func(ev state.Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
	for _, name := range []string{link.EventEntityUpdated, link.EventEntityRemoved} {
		sub := a.Store().On(name, forward)
		defer sub.Cancel()
	}

	room := resolveRoom(a, opts.Room)
	if opts.Collection {
		err = a.Bridge().WatchCollection(ctx, room)
	} else {
		err = a.Bridge().Watch(ctx, id, room)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to watch", err)
	}
	logger.Debug("watching", "room_id", room, "entity_id", id, "collection", opts.Collection)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			ee, ok := ev.Value.(link.EntityEvent)
			if !ok {
				continue
			}
			record := map[string]any{"event": ev.Name, "id": ee.EntityID, "origin": string(ee.Origin)}
			text := fmt.Sprintf("%s %s", ev.Name, ee.EntityID)
			if len(ee.Fields) > 0 {
				record["fields"] = ee.Fields
				record["data"] = ee.Data
				text += " [" + strings.Join(ee.Fields, ", ") + "]"
			}
			if err := f.Line(text, record); err != nil {
				return err
			}
		}
	}
}

// NewRoomCommand creates the room command.
func NewRoomCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EntityOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "room [id]",
		Short: "Show or switch the active room",
		Long: `Without an argument, print the active room. With one, make it the
active room: room-scoped state is cleared and the room document is
mirrored into the session.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runRoom(cmd.Context(), opts, id, cmd)
		},
	}
	return cmd
}

func runRoom(ctx context.Context, opts *EntityOptions, roomID string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	a, logger, err := opts.openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer closeApp(ctx, a, logger)

	if roomID == "" {
		current := a.RoomID()
		if opts.Format == "json" {
			return f.Success(map[string]string{"room": current})
		}
		if current == "" {
			return f.Success("no active room")
		}
		return f.Success(current)
	}

	if err := a.SwitchRoom(ctx, roomID); err != nil {
		return WrapExitError(ExitFailure, "failed to switch room", err)
	}
	if opts.Format == "json" {
		return f.Success(map[string]string{"room": roomID})
	}
	return f.Success("✓ active room " + roomID)
}

// resolveRoom returns flag, or the app's active room when flag is empty.
func resolveRoom(a *app.App, flag string) string {
	if flag != "" {
		return flag
	}
	return a.RoomID()
}

// trackEntity watches id and waits for its current data to reach the state
// store, so writes merge into what is stored rather than replacing it.
func trackEntity(ctx context.Context, a *app.App, id, room string) error {
	if err := a.Bridge().Watch(ctx, id, room); err != nil {
		return err
	}
	snap, err := a.Remote().Get(ctx, remote.CharactersCollection(room), id)
	if err != nil {
		return err
	}
	if !snap.Exists || len(snap.Data) == 0 {
		return nil
	}
	return await(ctx, func() bool {
		_, ok := a.Store().Lookup(link.EntityPath(id))
		return ok
	})
}

// trackCollection watches a room and waits until every entity present when
// the watch started has reached the state store.
func trackCollection(ctx context.Context, a *app.App, room string) error {
	if err := a.Bridge().WatchCollection(ctx, room); err != nil {
		return err
	}
	snap, err := listCollection(ctx, a.Remote(), remote.CharactersCollection(room))
	if err != nil {
		return err
	}
	return await(ctx, func() bool {
		tracked := a.Bridge().Status().Tracked
		for _, d := range snap.Docs {
			if !slices.Contains(tracked, d.ID) {
				return false
			}
			if _, ok := a.Store().Lookup(link.EntityPath(d.ID)); !ok && len(d.Data) > 0 {
				return false
			}
		}
		return true
	})
}

// listCollection reads a collection's current contents through a one-shot
// watch.
func listCollection(ctx context.Context, rs remote.Store, collection string) (remote.CollectionSnapshot, error) {
	first := make(chan remote.CollectionSnapshot, 1)
	unsub, err := rs.WatchCollection(ctx, collection, func(snap remote.CollectionSnapshot) {
		select {
		case first <- snap:
		default:
		}
	})
	if err != nil {
		return remote.CollectionSnapshot{}, err
	}
	defer unsub()

	select {
	case snap := <-first:
		return snap, nil
	case <-ctx.Done():
		return remote.CollectionSnapshot{}, ctx.Err()
	case <-time.After(syncTimeout):
		return remote.CollectionSnapshot{}, fmt.Errorf("no snapshot for %s within %s", collection, syncTimeout)
	}
}

// await polls ready until it reports true.
func await(ctx context.Context, ready func() bool) error {
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	deadline := time.After(syncTimeout)
	for !ready() {
		select {
		case <-tick.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("remote data not applied within %s", syncTimeout)
		}
	}
	return nil
}

// parseAssignments turns "path=value" arguments into WriteBatch fields.
func parseAssignments(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		path, raw, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("%q: expected path=value", arg)
		}
		if _, err := doc.SplitPath(path); err != nil || path == "" {
			return nil, fmt.Errorf("%q: invalid path", arg)
		}
		fields[path] = parseValue(raw)
	}
	return fields, nil
}

func parseValue(raw string) any {
	switch raw {
	case "$serverTimestamp":
		return remote.ServerTimestamp
	case "$delete":
		return remote.Delete
	}
	return doc.DecodeValue(raw)
}

// writeFailure reports a failed write and returns the matching exit error.
func writeFailure(f *OutputFormatter, err error) error {
	_ = f.Error(errorCode(err), err.Error(), nil)
	if errors.Is(err, link.ErrInvalidPath) {
		return WrapExitError(ExitCommandError, "write failed", err)
	}
	return WrapExitError(ExitFailure, "write failed", err)
}

func errorCode(err error) string {
	switch {
	case link.IsValidationError(err):
		return ErrCodeValidation
	case link.IsRemoteError(err):
		return ErrCodeWrite
	}
	var we *link.WriteError
	if errors.As(err, &we) && we.Code == link.ErrCodeTransform {
		return ErrCodeTransform
	}
	return ErrCodeGeneric
}
