// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-email-bridge/pkg/bridge"
	"github.com/aiku/matrix-email-bridge/pkg/config"
)

// AppService consumes homeserver pushes: transactions, user queries and
// room queries. It owns the membership state machine that creates and
// tears down subscriptions.
type AppService struct {
	cfg    *config.Config
	matrix *Manager
	subs   *bridge.Manager
	log    zerolog.Logger

	mu        sync.Mutex
	lastTxnID string
}

func NewAppService(cfg *config.Config, matrix *Manager, subs *bridge.Manager, log zerolog.Logger) *AppService {
	return &AppService{
		cfg:    cfg,
		matrix: matrix,
		subs:   subs,
		log:    log.With().Str("component", "appservice").Logger(),
	}
}

// checkToken validates the homeserver token presented on a push.
func (as *AppService) checkToken(token string) error {
	if token == "" {
		return ErrNoToken
	}
	if token != as.cfg.Homeserver.HSToken {
		return ErrBadToken
	}
	return nil
}

// ProcessTransaction handles one pushed transaction. Redelivery of the
// last seen transaction id is acknowledged without reprocessing; event
// handling failures are contained per event so one faulty event cannot
// poison the transaction.
func (as *AppService) ProcessTransaction(ctx context.Context, token, txnID string, events []*event.Event) error {
	if err := as.checkToken(token); err != nil {
		return err
	}

	as.mu.Lock()
	if txnID == as.lastTxnID {
		as.mu.Unlock()
		as.log.Info().Str("txn_id", txnID).Msg("Transaction already processed, skipping")
		return nil
	}
	as.mu.Unlock()

	as.log.Debug().Str("txn_id", txnID).Int("events", len(events)).Msg("Processing transaction")
	for _, evt := range events {
		as.handleEvent(ctx, evt)
	}

	as.mu.Lock()
	as.lastTxnID = txnID
	as.mu.Unlock()
	return nil
}

func (as *AppService) handleEvent(ctx context.Context, evt *event.Event) {
	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			as.log.Warn().Err(err).Str("event_id", evt.ID.String()).Str("type", evt.Type.String()).Msg("Skipping undecodable event")
			return
		}
	}

	switch evt.Type {
	case event.StateMember:
		as.handleMembership(ctx, evt)
	case event.EventMessage:
		as.handleMessage(ctx, evt)
	default:
		as.log.Debug().Str("type", evt.Type.String()).Str("event_id", evt.ID.String()).Msg("Ignoring unsupported event type")
	}
}

// handleMembership drives the subscription lifecycle off room membership
// changes affecting bridge-managed users.
func (as *AppService) handleMembership(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMember()
	if content == nil || evt.StateKey == nil {
		return
	}
	target := id.UserID(*evt.StateKey)
	log := as.log.With().
		Str("room_id", evt.RoomID.String()).
		Str("target", target.String()).
		Str("sender", evt.Sender.String()).
		Logger()

	switch content.Membership {
	case event.MembershipInvite:
		if target == as.matrix.BotUserID() {
			log.Info().Msg("Control user invited, joining")
			as.join(ctx, as.cfg.Homeserver.Localpart, evt.RoomID, log)
			return
		}
		email, ok := as.matrix.EmailForUser(target)
		if !ok {
			return
		}
		if !as.inviterAllowed(evt.Sender) {
			log.Warn().Msg("Inviter not in allowed domains, declining invite")
			as.leave(ctx, target, evt.RoomID, log)
			return
		}

		log.Info().Str("email", email).Msg("Virtual user invited, creating subscription")
		if err := as.matrix.ProvisionUser(ctx, target); err != nil {
			log.Error().Err(err).Msg("Failed to provision virtual user")
			return
		}
		at := time.UnixMilli(evt.Timestamp)
		if _, err := as.subs.GetOrCreate(ctx, evt.Sender.String(), at, email, target.String(), evt.RoomID.String()); err != nil {
			log.Error().Err(err).Msg("Failed to create subscription")
			return
		}
		as.joinAs(ctx, target, evt.RoomID, log)

	case event.MembershipJoin:
		if _, ok := as.matrix.EmailForUser(target); !ok {
			return
		}
		sub, ok := as.subs.GetWithMatrixKey(as.matrix.Key(target.String(), evt.RoomID.String()))
		if !ok {
			log.Warn().Msg("Virtual user joined without a subscription, leaving")
			as.leave(ctx, target, evt.RoomID, log)
			return
		}
		if err := sub.Commence(); err != nil {
			log.Error().Err(err).Msg("Failed to commence subscription")
		}

	case event.MembershipLeave, event.MembershipBan:
		if _, ok := as.matrix.EmailForUser(target); !ok {
			return
		}
		sub, ok := as.subs.GetWithMatrixKey(as.matrix.Key(target.String(), evt.RoomID.String()))
		if !ok {
			return
		}
		reason := "virtual user left the room"
		if content.Membership == event.MembershipBan {
			reason = "virtual user was banned"
		}
		log.Info().Str("subscription", sub.ID()).Msg("Terminating subscription on membership change")
		sub.Terminate(evt.Sender.String(), reason)
	}
}

// handleMessage forwards room messages to every bridged user in the room,
// and dispatches bot commands.
func (as *AppService) handleMessage(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMessage()
	if content == nil {
		return
	}
	// Messages from our own users would echo forever; notices are
	// machine-generated and never forwarded.
	if as.matrix.IsBridgeUser(evt.Sender) || content.MsgType == event.MsgNotice {
		return
	}

	body := strings.TrimSpace(content.Body)
	if strings.HasPrefix(body, as.cfg.Bridge.CommandKeyword) {
		as.handleCommand(ctx, evt, body)
		return
	}

	bot, err := as.matrix.Bot()
	if err != nil {
		as.log.Error().Err(err).Msg("Failed to get control client")
		return
	}
	members, err := bot.JoinedMembers(ctx, evt.RoomID)
	if err != nil {
		as.log.Error().Err(err).Str("room_id", evt.RoomID.String()).Msg("Failed to list room members")
		return
	}

	msg := as.bridgeMessage(evt, content)
	for _, member := range members {
		if member == evt.Sender {
			continue
		}
		if _, ok := as.matrix.EmailForUser(member); !ok {
			continue
		}
		sub, ok := as.subs.GetWithMatrixKey(as.matrix.Key(member.String(), evt.RoomID.String()))
		if !ok {
			as.log.Debug().Str("mx_id", member.String()).Str("room_id", evt.RoomID.String()).Msg("Bridged user without subscription, not forwarding")
			continue
		}
		sub.MatrixEndpoint().Inject(msg)
	}
}

// bridgeMessage converts a room message event into the protocol-neutral
// form.
func (as *AppService) bridgeMessage(evt *event.Event, content *event.MessageEventContent) *bridge.Message {
	parts := []bridge.Content{{MIME: bridge.MIMEText, Body: content.Body}}
	if content.Format == event.FormatHTML && content.FormattedBody != "" {
		parts = append(parts, bridge.Content{MIME: bridge.MIMEHTML, Body: content.FormattedBody})
	}
	return bridge.NewMessage(evt.ID.String(), time.UnixMilli(evt.Timestamp), evt.Sender.String(), parts...)
}

func (as *AppService) handleCommand(ctx context.Context, evt *event.Event, body string) {
	bot, err := as.matrix.Bot()
	if err != nil {
		as.log.Error().Err(err).Msg("Failed to get control client")
		return
	}
	reply := func(text string) {
		if err := bot.SendNotice(ctx, evt.RoomID, text); err != nil {
			as.log.Error().Err(err).Str("room_id", evt.RoomID.String()).Msg("Failed to send command reply")
		}
	}

	fields := strings.Fields(body)
	if len(fields) < 2 {
		reply(fmt.Sprintf("Usage: %s mxid <email address>", as.cfg.Bridge.CommandKeyword))
		return
	}
	switch fields[1] {
	case "mxid":
		if len(fields) < 3 {
			reply(fmt.Sprintf("Usage: %s mxid <email address>", as.cfg.Bridge.CommandKeyword))
			return
		}
		reply(fmt.Sprintf("Matrix ID for %s: %s", fields[2], as.MatrixIDForEmail(fields[2])))
	default:
		reply(fmt.Sprintf("Unknown command %q. Usage: %s mxid <email address>", fields[1], as.cfg.Bridge.CommandKeyword))
	}
}

// QueryUser answers homeserver existence queries, provisioning the
// virtual user when its id matches a template.
func (as *AppService) QueryUser(ctx context.Context, token string, userID id.UserID) error {
	if err := as.checkToken(token); err != nil {
		return err
	}
	if _, ok := as.matrix.EmailForUser(userID); !ok {
		return ErrUserNotFound
	}
	if err := as.matrix.ProvisionUser(ctx, userID); err != nil {
		as.log.Error().Err(err).Str("mx_id", userID.String()).Msg("Failed to provision queried user")
		return err
	}
	return nil
}

// QueryRoom answers room alias queries. The bridge does not expose any
// room aliases.
func (as *AppService) QueryRoom(_ context.Context, token, alias string) error {
	if err := as.checkToken(token); err != nil {
		return err
	}
	as.log.Debug().Str("alias", alias).Msg("Room alias queried, none exist")
	return ErrRoomNotFound
}

// MatrixIDForEmail implements the identity lookup: the Matrix id an
// e-mail address maps to, from the identity template when configured,
// otherwise from the primary user template.
func (as *AppService) MatrixIDForEmail(email string) id.UserID {
	tmpl := as.cfg.Identity.Template
	if tmpl == "" {
		return as.matrix.UserForEmail(email)
	}
	domain := as.cfg.Identity.Domain
	if domain == "" {
		domain = as.cfg.Homeserver.Domain
	}
	out := strings.ReplaceAll(tmpl, "%EMAIL%", as.matrix.codec.Encode(email))
	out = strings.ReplaceAll(out, "%DOMAIN%", domain)
	return id.UserID(out)
}

func (as *AppService) inviterAllowed(sender id.UserID) bool {
	if len(as.cfg.Bridge.AllowedDomains) == 0 {
		return true
	}
	_, domain, err := sender.Parse()
	if err != nil {
		return false
	}
	for _, allowed := range as.cfg.Bridge.AllowedDomains {
		if strings.EqualFold(domain, allowed) {
			return true
		}
	}
	return false
}

func (as *AppService) join(ctx context.Context, localpart string, roomID id.RoomID, log zerolog.Logger) {
	cli, err := as.matrix.factory.Client(localpart)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get client")
		return
	}
	if err := cli.EnsureRegistered(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to register user")
		return
	}
	if err := cli.JoinRoom(ctx, roomID); err != nil {
		log.Error().Err(err).Msg("Failed to join room")
	}
}

func (as *AppService) joinAs(ctx context.Context, userID id.UserID, roomID id.RoomID, log zerolog.Logger) {
	localpart, _, err := userID.Parse()
	if err != nil {
		log.Error().Err(err).Msg("Invalid user id")
		return
	}
	as.join(ctx, localpart, roomID, log)
}

func (as *AppService) leave(ctx context.Context, userID id.UserID, roomID id.RoomID, log zerolog.Logger) {
	localpart, _, err := userID.Parse()
	if err != nil {
		return
	}
	cli, err := as.matrix.factory.Client(localpart)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get client")
		return
	}
	if err := cli.LeaveRoom(ctx, roomID); err != nil {
		log.Error().Err(err).Msg("Failed to leave room")
	}
}
