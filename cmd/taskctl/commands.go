package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/nadmax/taskrpc/internal/api"
	"github.com/nadmax/taskrpc/internal/poller"
	"github.com/nadmax/taskrpc/internal/rpc"
	"github.com/nadmax/taskrpc/internal/task"
	"github.com/nadmax/taskrpc/internal/tasks"
	"golang.org/x/time/rate"
)

const ownerKey = "taskctl"

type options struct {
	url      string
	interval time.Duration
	timeout  time.Duration
	rps      float64
	burst    int
	push     bool
}

type cli struct {
	client  *rpc.Client
	poller  *poller.Poller
	service *tasks.Service
	out     io.Writer
}

func newCLI(opts options, out io.Writer) *cli {
	clientOpts := []rpc.Option{rpc.WithTimeout(opts.timeout)}
	if opts.rps > 0 {
		burst := max(opts.burst, 1)
		clientOpts = append(clientOpts, rpc.WithRateLimit(rate.Limit(opts.rps), burst))
	}

	client := rpc.NewClient(opts.url, clientOpts...)
	p := poller.New(tasks.NewSource(client), poller.WithInterval(opts.interval), poller.WithPush(opts.push))

	return &cli{
		client:  client,
		poller:  p,
		service: tasks.NewService(client, p),
		out:     out,
	}
}

func (c *cli) close() {
	c.service.StopAll()
	c.service.Wait()
	c.poller.Close()
}

func (c *cli) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "launch":
		return c.launch(ctx, args)
	case "check":
		return c.check(ctx, args)
	case "watch":
		return c.watch(ctx, args)
	case "cancel":
		return c.cancel(ctx, args)
	case "delete":
		return c.delete(ctx, args)
	case "actions":
		return c.actions(ctx)
	case "call":
		return c.call(ctx, args)
	case "upload":
		return c.upload(ctx, args)
	case "download":
		return c.download(ctx, args)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func taskIDArg(args []string) (task.ID, error) {
	if len(args) != 1 || args[0] == "" {
		return "", errors.New("expected exactly one task id")
	}

	return task.ID(args[0]), nil
}

func (c *cli) launch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("launch", flag.ContinueOnError)
	fs.SetOutput(c.out)
	rawArgs := fs.String("args", "", "action arguments as a JSON object")
	wait := fs.Bool("wait", false, "follow the task until it finishes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return errors.New("launch needs an action and at least one owner id")
	}

	action := fs.Arg(0)
	owners := make([]any, 0, fs.NArg()-1)
	for _, owner := range fs.Args()[1:] {
		owners = append(owners, owner)
	}

	l := tasks.Launch{ID: task.MakeID(action, owners...), Action: action}
	if *rawArgs != "" {
		if !json.Valid([]byte(*rawArgs)) {
			return errors.New("-args is not valid JSON")
		}
		l.Args = json.RawMessage(*rawArgs)
	}

	if !*wait {
		st, err := c.service.Launch(ctx, l)
		if err != nil {
			return err
		}
		c.printStatus(st)
		return nil
	}

	w, st, err := c.service.Watch(ctx, ownerKey, l)
	if err != nil {
		return err
	}
	c.printStatus(st)
	if w == nil {
		return nil
	}

	return c.follow(ctx, l.ID, w)
}

func (c *cli) check(ctx context.Context, args []string) error {
	id, err := taskIDArg(args)
	if err != nil {
		return err
	}

	st, err := c.service.Check(ctx, id)
	if err != nil {
		return err
	}
	if st.TaskID == "" {
		st.TaskID = id
	}

	c.printStatus(st)
	return nil
}

func (c *cli) watch(ctx context.Context, args []string) error {
	id, err := taskIDArg(args)
	if err != nil {
		return err
	}

	st, err := c.service.Check(ctx, id)
	if err != nil {
		return err
	}
	if st.TaskID == "" {
		st.TaskID = id
	}
	c.printStatus(st)

	if st.State != task.StateStarted {
		return nil
	}

	return c.follow(ctx, id, c.poller.Watch(ctx, ownerKey, id))
}

// follow prints progress until the task finishes. Interrupting it cancels
// the task on the server.
func (c *cli) follow(ctx context.Context, id task.ID, w *poller.Watch) error {
	progress := w.Progress()
	for {
		select {
		case st, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			c.printStatus(st)
		case st, ok := <-w.Done():
			if !ok {
				c.printStatus(c.service.Cancel(ctx, id, nil))
				return ctx.Err()
			}
			c.printStatus(st)
			if st.State == task.StateError {
				return fmt.Errorf("task %s failed: %s", id, st.Error)
			}
			return nil
		}
	}
}

func (c *cli) cancel(ctx context.Context, args []string) error {
	id, err := taskIDArg(args)
	if err != nil {
		return err
	}

	ack, err := rpc.Send(ctx, c.client, tasks.CancelTask(id))
	if err != nil {
		return err
	}
	if !ack.OK {
		_, _ = fmt.Fprintf(c.out, "%s was not running\n", id)
		return nil
	}

	c.printStatus(task.CancelledStatus(id))
	return nil
}

func (c *cli) delete(ctx context.Context, args []string) error {
	id, err := taskIDArg(args)
	if err != nil {
		return err
	}

	if err := c.service.Delete(ctx, id); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(c.out, "%s deleted\n", id)
	return nil
}

func (c *cli) actions(ctx context.Context) error {
	actions, err := c.service.Actions(ctx)
	if err != nil {
		return err
	}

	for _, action := range actions {
		_, _ = fmt.Fprintln(c.out, action)
	}

	return nil
}

func (c *cli) call(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("call needs a procedure name")
	}

	callArgs := make([]any, 0, len(args)-1)
	for _, raw := range args[1:] {
		if !json.Valid([]byte(raw)) {
			callArgs = append(callArgs, raw)
			continue
		}
		callArgs = append(callArgs, json.RawMessage(raw))
	}

	result, err := c.client.Call(ctx, args[0], callArgs, nil)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintln(c.out, string(result))
	return nil
}

func (c *cli) upload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	fs.SetOutput(c.out)
	proc := fs.String("proc", api.ProcUploadProject, "upload procedure")
	filter := fs.String("filter", ".prj", "accepted extensions, comma separated")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("upload needs exactly one file")
	}

	payload, err := c.client.Upload(ctx, *proc, nil, nil, fs.Arg(0), rpc.ParseFileFilter(*filter))
	if err != nil {
		return err
	}
	if sentinel := rpc.PayloadError(payload); sentinel != "" {
		return fmt.Errorf("server rejected %s: %s", fs.Arg(0), sentinel)
	}

	_, _ = fmt.Fprintln(c.out, string(payload))
	return nil
}

func (c *cli) download(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	fs.SetOutput(c.out)
	proc := fs.String("proc", api.ProcDownloadProject, "download procedure")
	dir := fs.String("dir", ".", "directory to save into")
	name := fs.String("o", "", "file name, defaults to the server's")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("download needs exactly one id")
	}

	path, err := c.client.Download(ctx, *proc, []any{fs.Arg(0)}, *dir, *name)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(c.out, "saved %s\n", path)
	return nil
}

func (c *cli) printStatus(st *task.Status) {
	line := fmt.Sprintf("%s %s", st.TaskID, st.State)

	switch st.State {
	case task.StateStarted:
		line += " " + formatElapsed(st.Elapsed())
		if st.StatusString != "" {
			line += " " + st.StatusString
		}
	case task.StateError:
		if st.Error != "" {
			line += ": " + st.Error
		}
	case task.StateCompleted:
		if len(st.Result) > 0 {
			line += " " + string(st.Result)
		}
	}

	_, _ = fmt.Fprintln(c.out, line)
}

func formatElapsed(seconds int64) string {
	return (time.Duration(seconds) * time.Second).String()
}
