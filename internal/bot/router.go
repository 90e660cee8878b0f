// Package bot turns incoming chat messages into service calls and
// reservation steps, and replies through the gateway.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/nhle/taskbot/internal/gateway"
	"github.com/nhle/taskbot/internal/model"
	"github.com/nhle/taskbot/internal/reservation"
	"github.com/nhle/taskbot/internal/service"
	"github.com/nhle/taskbot/internal/store"
)

// Incoming is one text message from a member.
type Incoming struct {
	ChatID   int64
	UserID   int64
	Username string
	Text     string
}

// Router dispatches incoming messages.
type Router struct {
	svc *service.Service
	wf  *reservation.Workflow
	out gateway.Sender
	cfg *model.AppConfig
	log logrus.FieldLogger
}

// NewRouter creates a Router replying through out.
func NewRouter(
	svc *service.Service,
	wf *reservation.Workflow,
	out gateway.Sender,
	cfg *model.AppConfig,
	log logrus.FieldLogger,
) *Router {
	return &Router{svc: svc, wf: wf, out: out, cfg: cfg, log: log}
}

type handlerFunc func(ctx context.Context, r *Router, in Incoming, member *model.User, args string) string

type command struct {
	name    string
	help    string
	admin   bool
	handler handlerFunc
}

// commands is filled in init because help reads it back.
var commands []command

func init() {
	commands = []command{
		{name: "start", handler: cmdStart},
		{name: "help", help: "list the commands available to you", handler: cmdHelp},
		{name: "upcoming_events", help: "see the next events that concern you", handler: cmdUpcoming},
		{name: "my_points", help: "see your points and share per project", handler: cmdMyPoints},
		{name: "my_task", help: "see the tasks you hold", handler: cmdMyTask},
		{name: "get_task", help: "take a new task", handler: cmdGetTask},
		{name: "cancel", help: "stop taking a task", handler: cmdCancel},

		{name: "admin_help", admin: true, help: "list admin commands", handler: cmdAdminHelp},
		{name: "add_event", admin: true, help: "add an event: kind;title;description;2025-06-20T18:00:00", handler: cmdAddEvent},
		{name: "notify", admin: true, help: "broadcast an event by id", handler: cmdNotify},
		{name: "delete_event", admin: true, help: "delete an event by id", handler: cmdDeleteEvent},
		{name: "give_points", admin: true, help: "add points: <username> <amount> [project]", handler: cmdGivePoints},
		{name: "check_points", admin: true, help: "see a member's points: <username>", handler: cmdCheckPoints},
		{name: "search_task", admin: true, help: "list tasks: [reserved|unreserved|deadline]", handler: cmdSearchTask},
		{name: "task_done", admin: true, help: "mark a task done and delete it: <id>", handler: cmdTaskDone},
	}
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// Handle processes one message and sends the reply.
func (r *Router) Handle(ctx context.Context, in Incoming) {
	reply := r.dispatch(ctx, in)
	if reply == "" {
		return
	}
	for _, part := range SplitMessage(reply, MaxMessageLength) {
		if err := r.out.SendToUser(ctx, in.ChatID, part); err != nil {
			r.log.WithField("user_id", in.UserID).WithError(err).Warn("sending reply failed")
			return
		}
	}
}

func (r *Router) dispatch(ctx context.Context, in Incoming) string {
	log := r.log.WithField("user_id", in.UserID)

	lookup := r.svc.Member(ctx, in.UserID)
	switch lookup.Outcome {
	case store.StoreError:
		log.WithError(lookup.Err).Error("membership check failed")
		return "The team registry is unavailable right now. Try again later."
	case store.NotFound:
		log.Debug("message from non-member ignored")
		return "Sorry, this bot only works with team members."
	}
	member := &lookup.Record

	name, args, isCommand := parseCommand(in.Text)
	if !isCommand {
		return r.continueReservation(ctx, in)
	}

	cmd, ok := lookupCommand(name)
	if !ok {
		return "Unknown command. Use /help to see what you can do."
	}
	if cmd.admin && !r.cfg.IsAdmin(member) {
		return "You are not allowed to use this command."
	}

	log.WithField("command", name).Debug("command received")
	return cmd.handler(ctx, r, in, member, args)
}

func (r *Router) continueReservation(ctx context.Context, in Incoming) string {
	if _, ok := r.wf.Active(in.UserID); !ok {
		return "Use /help to see what you can do."
	}
	return renderOutcome(r.wf.Submit(ctx, in.UserID, in.Text))
}

// parseCommand splits "/name@bot args" into name and args.
func parseCommand(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

func renderOutcome(out reservation.Outcome) string {
	if len(out.Choices) == 0 {
		return out.Message
	}
	var b strings.Builder
	b.WriteString(out.Message)
	for _, c := range out.Choices {
		b.WriteString("\n- ")
		b.WriteString(c)
	}
	return b.String()
}

func cmdStart(_ context.Context, _ *Router, _ Incoming, member *model.User, _ string) string {
	name := member.FullName
	if name == "" {
		name = member.Username
	}
	return fmt.Sprintf("Welcome, %s. I will keep track of your tasks, points and events. Use /help to see what you can do.", name)
}

func helpText(admin bool) string {
	var b strings.Builder
	if admin {
		b.WriteString("Admin commands:\n\n")
	} else {
		b.WriteString("Your commands:\n\n")
	}
	for _, c := range commands {
		if c.admin != admin || c.help == "" {
			continue
		}
		fmt.Fprintf(&b, "/%s - %s\n", c.name, c.help)
	}
	return strings.TrimSpace(b.String())
}

func cmdHelp(context.Context, *Router, Incoming, *model.User, string) string {
	return helpText(false)
}

func cmdAdminHelp(context.Context, *Router, Incoming, *model.User, string) string {
	return helpText(true)
}

func cmdUpcoming(ctx context.Context, r *Router, in Incoming, _ *model.User, _ string) string {
	events, err := r.svc.UpcomingEvents(ctx, in.UserID, service.DefaultUpcomingLimit)
	if err != nil {
		return r.failure(in, "listing events", err)
	}
	if len(events) == 0 {
		return "No upcoming events for you."
	}

	var b strings.Builder
	b.WriteString("Upcoming events:\n\n")
	for i := range events {
		at, _ := events[i].Time()
		b.WriteString(service.FormatEvent(&events[i], at))
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

func formatPoints(title string, u model.User) string {
	if len(u.Points) == 0 {
		return title + "\nNo points yet."
	}
	projects := make([]string, 0, len(u.Points))
	for p := range u.Points {
		projects = append(projects, p)
	}
	sort.Strings(projects)

	var b strings.Builder
	b.WriteString(title)
	for _, p := range projects {
		fmt.Fprintf(&b, "\n%s: %d points, share %.1f%%", p, u.Points[p], u.PercentRate[p]*100)
	}
	return b.String()
}

func cmdMyPoints(_ context.Context, _ *Router, _ Incoming, member *model.User, _ string) string {
	return formatPoints("Your points:", *member)
}

func cmdCheckPoints(ctx context.Context, r *Router, in Incoming, _ *model.User, args string) string {
	if args == "" {
		return "Usage: /check_points <username>"
	}
	u, err := r.svc.PointsByUsername(ctx, args)
	if errors.Is(err, service.ErrUserNotFound) {
		return "Member not found."
	}
	if err != nil {
		return r.failure(in, "checking points", err)
	}
	return formatPoints(fmt.Sprintf("Points of @%s:", u.Username), u)
}

func cmdGivePoints(ctx context.Context, r *Router, in Incoming, _ *model.User, args string) string {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		return "Usage: /give_points <username> <amount> [project]"
	}
	amount, err := strconv.Atoi(fields[1])
	if err != nil {
		return "The amount must be a whole number."
	}
	project := r.cfg.DefaultProject()
	if len(fields) > 2 {
		project = strings.Join(fields[2:], " ")
	}

	u, err := r.svc.GivePoints(ctx, fields[0], project, amount)
	if errors.Is(err, service.ErrUserNotFound) {
		return "Member not found."
	}
	if err != nil {
		return r.failure(in, "giving points", err)
	}
	return fmt.Sprintf("@%s received %d points in %s.", u.Username, amount, project)
}

func formatTask(b *strings.Builder, t model.Task, withStatus bool) {
	deadline := "not set"
	if t.Deadline != nil {
		deadline = t.Deadline.Format("2 Jan 2006 15:04")
	}
	fmt.Fprintf(b, "#%d %s\n%s\nRole: %s, points: %d, deadline: %s\n", t.ID, t.Title, t.Description, t.Type, t.Points, deadline)
	if withStatus {
		if t.ReservedBy != nil {
			fmt.Fprintf(b, "Reserved by %d\n", *t.ReservedBy)
		} else {
			b.WriteString("Free\n")
		}
	}
	b.WriteString("\n")
}

func cmdMyTask(ctx context.Context, r *Router, in Incoming, _ *model.User, _ string) string {
	tasks, err := r.svc.MyTasks(ctx, in.UserID)
	if err != nil {
		return r.failure(in, "listing tasks", err)
	}
	if len(tasks) == 0 {
		return "You hold no tasks. Use /get_task to take one."
	}
	var b strings.Builder
	b.WriteString("Your tasks:\n\n")
	for _, t := range tasks {
		formatTask(&b, t, false)
	}
	return strings.TrimSpace(b.String())
}

func cmdSearchTask(ctx context.Context, r *Router, in Incoming, _ *model.User, args string) string {
	tasks, err := r.svc.SearchTasks(ctx, service.ParseTaskFilter(args))
	if err != nil {
		return r.failure(in, "searching tasks", err)
	}
	if len(tasks) == 0 {
		return "No tasks match."
	}
	var b strings.Builder
	b.WriteString("Tasks:\n\n")
	for _, t := range tasks {
		formatTask(&b, t, true)
	}
	return strings.TrimSpace(b.String())
}

func cmdTaskDone(ctx context.Context, r *Router, in Incoming, _ *model.User, args string) string {
	id, err := strconv.Atoi(strings.TrimPrefix(args, "#"))
	if err != nil {
		return "Usage: /task_done <id>"
	}
	res, err := r.svc.MarkTaskDone(ctx, id)
	if errors.Is(err, service.ErrTaskNotFound) {
		return fmt.Sprintf("Task #%d not found.", id)
	}
	if err != nil {
		return r.failure(in, "marking task done", err)
	}
	reply := fmt.Sprintf("Task #%d is marked done and removed.", id)
	if res.NotifyErr != nil {
		reply += " The owner could not be notified."
	}
	return reply
}

func cmdAddEvent(ctx context.Context, r *Router, in Incoming, _ *model.User, args string) string {
	input, err := service.ParseEventInput(args)
	if err != nil {
		return "Usage: /add_event meeting;Title;Description;2025-06-20T18:00:00"
	}
	ev, err := r.svc.AddEvent(ctx, input)
	if errors.Is(err, service.ErrInvalidEvent) {
		return fmt.Sprintf("Could not add the event: %v", err)
	}
	if err != nil {
		return r.failure(in, "adding event", err)
	}
	return fmt.Sprintf("Event #%d %q (%s) added.", ev.ID, ev.Title, ev.Kind)
}

func parseID(args string) (int, bool) {
	id, err := strconv.Atoi(strings.TrimSpace(args))
	return id, err == nil
}

func cmdNotify(ctx context.Context, r *Router, in Incoming, _ *model.User, args string) string {
	id, ok := parseID(args)
	if !ok {
		return "Usage: /notify <event id>"
	}
	d, err := r.svc.NotifyEvent(ctx, id)
	switch {
	case errors.Is(err, service.ErrEventNotFound):
		return fmt.Sprintf("Event #%d not found.", id)
	case errors.Is(err, service.ErrInvalidEvent):
		return fmt.Sprintf("Event #%d has an unreadable date.", id)
	case err != nil:
		return r.failure(in, "notifying event", err)
	}
	return fmt.Sprintf("Broadcast finished. Sent: %d, failed: %d.", d.Sent, d.Failed)
}

func cmdDeleteEvent(ctx context.Context, r *Router, in Incoming, _ *model.User, args string) string {
	id, ok := parseID(args)
	if !ok {
		return "Usage: /delete_event <event id>"
	}
	err := r.svc.DeleteEvent(ctx, id)
	if errors.Is(err, service.ErrEventNotFound) {
		return fmt.Sprintf("Event #%d not found.", id)
	}
	if err != nil {
		return r.failure(in, "deleting event", err)
	}
	return fmt.Sprintf("Event #%d deleted.", id)
}

func cmdGetTask(ctx context.Context, r *Router, in Incoming, _ *model.User, _ string) string {
	return renderOutcome(r.wf.Begin(ctx, in.UserID))
}

func cmdCancel(_ context.Context, r *Router, in Incoming, _ *model.User, _ string) string {
	if r.wf.Cancel(in.UserID) {
		return "Selection cancelled."
	}
	return "Nothing to cancel."
}

func (r *Router) failure(in Incoming, action string, err error) string {
	r.log.WithField("user_id", in.UserID).WithError(err).Error(action + " failed")
	return "Something went wrong. Try again later."
}
