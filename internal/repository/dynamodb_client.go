package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"clinic-assistant/internal/domain"
)

const (
	skPrefixMsg   = "MSG#"
	skMeta        = "META#"
	skPrefixParty = "PARTY#"
	skPrefixProc  = "PROC#"
	skPrefixAppt  = "APPT#"
	ttlDuration   = 90 * 24 * time.Hour // 90-day TTL on messages
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("repository: not found")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client keeps sessions, messages and the clinic directory in one table.
//
//	session      PK SESSION#<tenant>#<address>  SK META#
//	message      PK SESSION#<tenant>#<address>  SK MSG#<rfc3339nano>#<id>
//	party        PK TENANT#<tenant>             SK PARTY#<address>
//	procedure    PK TENANT#<tenant>             SK PROC#<id>
//	appointment  PK TENANT#<tenant>             SK APPT#<partyId>#<rfc3339 start>
type Client struct {
	api       dynamodbAPI
	tableName string
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func sessionPK(sessionID string) string { return "SESSION#" + sessionID }
func tenantPK(tenantID string) string   { return "TENANT#" + tenantID }

// msgSK orders messages chronologically; the id suffix keeps same-instant
// writes distinct.
func msgSK(ts time.Time, id string) string {
	return skPrefixMsg + ts.UTC().Format(time.RFC3339Nano) + "#" + id
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

func (c *Client) sessionKey(sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

// GetOrCreateSession returns the session for (tenant, address), creating it
// and linking a known party on first contact. Concurrent first contacts
// converge on the same record.
func (c *Client) GetOrCreateSession(ctx context.Context, tenantID, address string) (domain.Session, error) {
	address = domain.NormalizeAddress(address)
	if tenantID == "" || address == "" {
		return domain.Session{}, errors.New("repository: GetOrCreateSession: tenant and address are required")
	}
	id := domain.SessionID(tenantID, address)

	s, err := c.GetSession(ctx, id)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.Session{}, err
	}

	now := c.now().UTC()
	s = domain.Session{
		ID:             id,
		TenantID:       tenantID,
		ChannelAddress: address,
		Status:         domain.StatusActive,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	party, found, err := c.FindPartyByAddress(ctx, tenantID, address)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetOrCreateSession: %w", err)
	}
	if found {
		s.PartyID = party.ID
	}

	item, err := sessionItem(s)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetOrCreateSession: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return c.GetSession(ctx, id)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetOrCreateSession put: %w", err)
	}
	return s, nil
}

// GetSession reads a session with a consistent read.
func (c *Client) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.sessionKey(sessionID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetSession get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Session{}, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	s, err := itemToSession(out.Item)
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetSession decode: %w", err)
	}
	if s.DroppedFlow != "" {
		c.logger.Warn("unknown dialog state on session", "session", sessionID, "state", s.DroppedFlow)
	}
	return s, nil
}

// SaveMessage appends a message and bumps the session's last activity in
// one transaction.
func (c *Client) SaveMessage(ctx context.Context, msg domain.Message) (domain.Message, error) {
	if msg.SessionID == "" || msg.Role == "" {
		return domain.Message{}, errors.New("repository: SaveMessage: session id and role are required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = c.now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	ts := msg.CreatedAt.Format(time.RFC3339Nano)

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                c.messageItem(msg),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName:           aws.String(c.tableName),
					Key:                 c.sessionKey(msg.SessionID),
					UpdateExpression:    aws.String("SET lastActivityAt = :t"),
					ConditionExpression: aws.String("attribute_exists(PK)"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":t": &types.AttributeValueMemberS{Value: ts},
					},
				},
			},
		},
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: SaveMessage: %w", err)
	}
	return msg, nil
}

// UpdateSessionState stores the open flow, or clears it when flow is nil.
func (c *Client) UpdateSessionState(ctx context.Context, sessionID string, flow domain.FlowState) error {
	state, data, err := domain.EncodeFlow(flow)
	if err != nil {
		return fmt.Errorf("repository: UpdateSessionState: %w", err)
	}
	values := map[string]types.AttributeValue{
		":u": &types.AttributeValueMemberS{Value: c.now().UTC().Format(time.RFC3339Nano)},
	}
	expr := "SET updatedAt = :u REMOVE dialogState, dialogData"
	if state != "" {
		expr = "SET updatedAt = :u, dialogState = :s, dialogData = :d"
		values[":s"] = &types.AttributeValueMemberS{Value: string(state)}
		values[":d"] = &types.AttributeValueMemberS{Value: string(data)}
	}
	return c.updateSession(ctx, "UpdateSessionState", sessionID, expr, values)
}

// UpdateSessionStatus records a status change at the given instant. Entering
// waiting_human stamps takeoverAt; any other status clears it.
func (c *Client) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, at time.Time) error {
	ts := at.UTC().Format(time.RFC3339Nano)
	values := map[string]types.AttributeValue{
		":st": &types.AttributeValueMemberS{Value: string(status)},
		":u":  &types.AttributeValueMemberS{Value: ts},
	}
	expr := "SET #status = :st, updatedAt = :u REMOVE takeoverAt"
	if status == domain.StatusWaitingHuman {
		expr = "SET #status = :st, updatedAt = :u, takeoverAt = :u"
	}
	return c.updateSession(ctx, "UpdateSessionStatus", sessionID, expr, values)
}

func (c *Client) updateSession(ctx context.Context, op, sessionID, expr string, values map[string]types.AttributeValue) error {
	in := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       c.sessionKey(sessionID),
		UpdateExpression:          aws.String(expr),
		ConditionExpression:       aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: values,
	}
	if strings.Contains(expr, "#status") {
		in.ExpressionAttributeNames = map[string]string{"#status": "status"}
	}
	_, err := c.api.UpdateItem(ctx, in)
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return fmt.Errorf("repository: %s: %w", op, err)
	}
	return nil
}

// RecentMessages returns up to limit of the newest messages, oldest first.
func (c *Client) RecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
		ConsistentRead:   aws.Bool(true),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: RecentMessages query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: RecentMessages unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	// Reverse to chronological order before returning to prompt assembly.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// FindPartyByAddress looks up a registered patient by normalized address.
func (c *Client) FindPartyByAddress(ctx context.Context, tenantID, address string) (domain.Party, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: tenantPK(tenantID)},
			"SK": &types.AttributeValueMemberS{Value: skPrefixParty + domain.NormalizeAddress(address)},
		},
	})
	if err != nil {
		return domain.Party{}, false, fmt.Errorf("repository: FindPartyByAddress get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Party{}, false, nil
	}
	id, err := strAttr(out.Item, "partyId")
	if err != nil {
		return domain.Party{}, false, fmt.Errorf("repository: FindPartyByAddress decode: %w", err)
	}
	name, _ := strAttr(out.Item, "name") // allow empty
	return domain.Party{ID: id, Name: name}, true, nil
}

// ListProcedures returns the tenant's active procedures in key order.
func (c *Client) ListProcedures(ctx context.Context, tenantID string) ([]domain.Procedure, error) {
	var procs []domain.Procedure
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: tenantPK(tenantID)},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixProc},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: ListProcedures query: %w", err)
		}
		for _, item := range out.Items {
			if active, ok := item["active"].(*types.AttributeValueMemberBOOL); ok && !active.Value {
				continue
			}
			id, err := strAttr(item, "procedureId")
			if err != nil {
				return nil, fmt.Errorf("repository: ListProcedures decode: %w", err)
			}
			name, err := strAttr(item, "name")
			if err != nil {
				return nil, fmt.Errorf("repository: ListProcedures decode: %w", err)
			}
			procs = append(procs, domain.Procedure{ID: id, Name: name})
		}
		if len(out.LastEvaluatedKey) == 0 {
			return procs, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// LatestAppointment returns the party's appointment with the latest start.
func (c *Client) LatestAppointment(ctx context.Context, tenantID, partyID string) (domain.Appointment, bool, error) {
	if partyID == "" {
		return domain.Appointment{}, false, nil
	}
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: tenantPK(tenantID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixAppt + partyID + "#"},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return domain.Appointment{}, false, fmt.Errorf("repository: LatestAppointment query: %w", err)
	}
	if out == nil || len(out.Items) == 0 {
		return domain.Appointment{}, false, nil
	}
	item := out.Items[0]
	id, err := strAttr(item, "appointmentId")
	if err != nil {
		return domain.Appointment{}, false, fmt.Errorf("repository: LatestAppointment decode: %w", err)
	}
	start, err := timeAttr(item, "startTime")
	if err != nil {
		return domain.Appointment{}, false, fmt.Errorf("repository: LatestAppointment decode: %w", err)
	}
	return domain.Appointment{ID: id, PartyID: partyID, StartTime: start}, true, nil
}

func sessionItem(s domain.Session) (map[string]types.AttributeValue, error) {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: sessionPK(s.ID)},
		"SK":             &types.AttributeValueMemberS{Value: skMeta},
		"sessionId":      &types.AttributeValueMemberS{Value: s.ID},
		"tenantId":       &types.AttributeValueMemberS{Value: s.TenantID},
		"address":        &types.AttributeValueMemberS{Value: s.ChannelAddress},
		"status":         &types.AttributeValueMemberS{Value: string(s.Status)},
		"lastActivityAt": &types.AttributeValueMemberS{Value: s.LastActivityAt.UTC().Format(time.RFC3339Nano)},
		"createdAt":      &types.AttributeValueMemberS{Value: s.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"updatedAt":      &types.AttributeValueMemberS{Value: s.UpdatedAt.UTC().Format(time.RFC3339Nano)},
	}
	if s.PartyID != "" {
		item["partyId"] = &types.AttributeValueMemberS{Value: s.PartyID}
	}
	state, data, err := domain.EncodeFlow(s.Flow)
	if err != nil {
		return nil, err
	}
	if state != "" {
		item["dialogState"] = &types.AttributeValueMemberS{Value: string(state)}
		item["dialogData"] = &types.AttributeValueMemberS{Value: string(data)}
	}
	return item, nil
}

// itemToSession decodes a session. An unknown dialog tag is reported through
// DroppedFlow instead of failing the read.
func itemToSession(item map[string]types.AttributeValue) (domain.Session, error) {
	id, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.Session{}, err
	}
	tenantID, err := strAttr(item, "tenantId")
	if err != nil {
		return domain.Session{}, err
	}
	address, err := strAttr(item, "address")
	if err != nil {
		return domain.Session{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Session{}, err
	}
	s := domain.Session{
		ID:             id,
		TenantID:       tenantID,
		ChannelAddress: address,
		Status:         domain.SessionStatus(status),
	}
	s.PartyID, _ = strAttr(item, "partyId") // allow empty
	s.TakeoverAt, _ = timeAttr(item, "takeoverAt")
	s.LastActivityAt, _ = timeAttr(item, "lastActivityAt")
	s.CreatedAt, _ = timeAttr(item, "createdAt")
	s.UpdatedAt, _ = timeAttr(item, "updatedAt")

	state, _ := strAttr(item, "dialogState")
	data, _ := strAttr(item, "dialogData")
	flow, err := domain.DecodeFlow(domain.DialogState(state), []byte(data))
	switch {
	case errors.Is(err, domain.ErrUnknownDialogState):
		s.DroppedFlow = domain.DialogState(state)
	case err != nil:
		return domain.Session{}, err
	default:
		s.Flow = flow
	}
	return s, nil
}

func (c *Client) messageItem(msg domain.Message) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: sessionPK(msg.SessionID)},
		"SK":         &types.AttributeValueMemberS{Value: msgSK(msg.CreatedAt, msg.ID)},
		"messageId":  &types.AttributeValueMemberS{Value: msg.ID},
		"sessionId":  &types.AttributeValueMemberS{Value: msg.SessionID},
		"role":       &types.AttributeValueMemberS{Value: msg.Role},
		"content":    &types.AttributeValueMemberS{Value: msg.Content},
		"producedBy": &types.AttributeValueMemberS{Value: string(msg.ProducedBy)},
		"tokenCost":  &types.AttributeValueMemberN{Value: strconv.Itoa(msg.TokenCost)},
		"createdAt":  &types.AttributeValueMemberS{Value: msg.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":        &types.AttributeValueMemberN{Value: strconv.FormatInt(c.ttlValue(), 10)},
	}
	if msg.Intent != "" {
		item["intent"] = &types.AttributeValueMemberS{Value: msg.Intent}
	}
	if msg.MessageRef != "" {
		item["messageRef"] = &types.AttributeValueMemberS{Value: msg.MessageRef}
	}
	return item
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "messageId")
	if err != nil {
		return domain.Message{}, err
	}
	sessionID, err := strAttr(item, "sessionId")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	msg := domain.Message{ID: id, SessionID: sessionID, Role: role, Content: content}
	msg.Intent, _ = strAttr(item, "intent")
	msg.MessageRef, _ = strAttr(item, "messageRef")
	producedBy, _ := strAttr(item, "producedBy")
	msg.ProducedBy = domain.ProducedBy(producedBy)
	msg.TokenCost, _ = intAttr(item, "tokenCost")
	msg.CreatedAt, _ = timeAttr(item, "createdAt")
	return msg, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
