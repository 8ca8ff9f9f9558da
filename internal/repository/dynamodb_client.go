package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"dify-relay/internal/domain"
)

const (
	skPrefixSession = "SESSION#"
	ttlDuration     = 30 * 24 * time.Hour // 30-day TTL, refreshed on every update
	maxTransactOps  = 100

	// skTimeLayout is fixed width so sort keys order lexicographically.
	skTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// ErrSessionNotFound is returned by Update when the targeted record no longer
// exists or has been replaced.
var ErrSessionNotFound = errors.New("repository: session not found")

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores integration sessions in a DynamoDB table. All sessions of one
// (bot, remote identity) pair share a partition; the newest record is the
// current session.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// sessionPK returns the partition key shared by every session of a pair.
func sessionPK(botID, remoteJID string) string {
	return "BOT#" + botID + "#JID#" + remoteJID
}

// sessionSK orders sessions chronologically inside the partition.
func sessionSK(createdAt time.Time, id string) string {
	return skPrefixSession + createdAt.UTC().Format(skTimeLayout) + "#" + id
}

func ttlValue(from time.Time) int64 {
	return from.Add(ttlDuration).Unix()
}

var (
	now   = func() time.Time { return time.Now().UTC() }
	newID = func() string { return uuid.NewString() }
)

// Create persists a fresh opened session whose conversation token is the
// remote identity itself.
func (c *Client) Create(ctx context.Context, botID, remoteJID string) (domain.Session, error) {
	if botID == "" || remoteJID == "" {
		return domain.Session{}, errors.New("repository: Create: bot id and remote jid are required")
	}
	s := NewSession(botID, remoteJID)

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                sessionItem(s),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: Create: %w", err)
	}
	return s, nil
}

// Get returns the current session of the pair, or nil when none exists.
func (c *Client) Get(ctx context.Context, botID, remoteJID string) (*domain.Session, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(botID, remoteJID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixSession},
		},
		// Newest first; only the latest record is the live session.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: Get query: %w", err)
	}
	if out == nil || len(out.Items) == 0 {
		return nil, nil
	}
	s, err := itemToSession(out.Items[0])
	if err != nil {
		return nil, fmt.Errorf("repository: Get unmarshal: %w", err)
	}
	return &s, nil
}

// Update applies the non-nil fields of upd to the stored session in a single
// write and refreshes its updatedAt and TTL.
func (c *Client) Update(ctx context.Context, s domain.Session, upd domain.SessionUpdate) error {
	if s.PK == "" || s.SK == "" || s.ID == "" {
		return errors.New("repository: Update: PK, SK and ID are required")
	}
	ts := now()

	sets := []string{"updatedAt = :updatedAt", "#ttl = :ttl"}
	names := map[string]string{"#ttl": "ttl"}
	values := map[string]types.AttributeValue{
		":id":        &types.AttributeValueMemberS{Value: s.ID},
		":updatedAt": &types.AttributeValueMemberS{Value: ts.Format(time.RFC3339Nano)},
		":ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(ts), 10)},
	}
	if upd.Status != nil {
		sets = append(sets, "#status = :status")
		names["#status"] = "status"
		values[":status"] = &types.AttributeValueMemberS{Value: string(*upd.Status)}
	}
	if upd.AwaitUser != nil {
		sets = append(sets, "awaitUser = :awaitUser")
		values[":awaitUser"] = &types.AttributeValueMemberBOOL{Value: *upd.AwaitUser}
	}
	if upd.ConversationToken != nil {
		sets = append(sets, "conversationToken = :token")
		values[":token"] = &types.AttributeValueMemberS{Value: *upd.ConversationToken}
	}

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: s.PK},
			"SK": &types.AttributeValueMemberS{Value: s.SK},
		},
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String("id = :id"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("repository: Update %s: %w", s.ID, ErrSessionNotFound)
		}
		return fmt.Errorf("repository: Update: %w", err)
	}
	return nil
}

// DeleteAll removes every session record of the pair.
func (c *Client) DeleteAll(ctx context.Context, botID, remoteJID string) error {
	keys, err := c.sessionKeys(ctx, botID, remoteJID)
	if err != nil {
		return fmt.Errorf("repository: DeleteAll: %w", err)
	}

	for start := 0; start < len(keys); start += maxTransactOps {
		end := min(start+maxTransactOps, len(keys))
		items := make([]types.TransactWriteItem, 0, end-start)
		for _, key := range keys[start:end] {
			items = append(items, types.TransactWriteItem{
				Delete: &types.Delete{
					TableName: aws.String(c.tableName),
					Key:       key,
				},
			})
		}
		if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
			return fmt.Errorf("repository: DeleteAll: %w", err)
		}
	}
	return nil
}

func (c *Client) sessionKeys(ctx context.Context, botID, remoteJID string) ([]map[string]types.AttributeValue, error) {
	var keys []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: sessionPK(botID, remoteJID)},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixSession},
			},
			ProjectionExpression: aws.String("PK, SK"),
			ExclusiveStartKey:    startKey,
			ConsistentRead:       aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("query keys: %w", err)
		}
		if out == nil {
			return keys, nil
		}
		for _, item := range out.Items {
			keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
		}
		if len(out.LastEvaluatedKey) == 0 {
			return keys, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

// NewSession constructs an opened Session with keys, timestamps and TTL set.
func NewSession(botID, remoteJID string) domain.Session {
	ts := now()
	id := newID()
	return domain.Session{
		PK:                sessionPK(botID, remoteJID),
		SK:                sessionSK(ts, id),
		ID:                id,
		BotID:             botID,
		RemoteJID:         remoteJID,
		ConversationToken: remoteJID,
		Status:            domain.StatusOpened,
		AwaitUser:         false,
		CreatedAt:         ts,
		UpdatedAt:         ts,
		TTL:               ttlValue(ts),
	}
}

func sessionItem(s domain.Session) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":                &types.AttributeValueMemberS{Value: s.PK},
		"SK":                &types.AttributeValueMemberS{Value: s.SK},
		"id":                &types.AttributeValueMemberS{Value: s.ID},
		"botId":             &types.AttributeValueMemberS{Value: s.BotID},
		"remoteJid":         &types.AttributeValueMemberS{Value: s.RemoteJID},
		"conversationToken": &types.AttributeValueMemberS{Value: s.ConversationToken},
		"status":            &types.AttributeValueMemberS{Value: string(s.Status)},
		"awaitUser":         &types.AttributeValueMemberBOOL{Value: s.AwaitUser},
		"createdAt":         &types.AttributeValueMemberS{Value: s.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"updatedAt":         &types.AttributeValueMemberS{Value: s.UpdatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":               &types.AttributeValueMemberN{Value: strconv.FormatInt(s.TTL, 10)},
	}
}

// itemToSession converts a DynamoDB attribute map to a Session.
func itemToSession(item map[string]types.AttributeValue) (domain.Session, error) {
	var s domain.Session
	var err error
	for key, dst := range map[string]*string{
		"PK":        &s.PK,
		"SK":        &s.SK,
		"id":        &s.ID,
		"botId":     &s.BotID,
		"remoteJid": &s.RemoteJID,
	} {
		if *dst, err = strAttr(item, key); err != nil {
			return domain.Session{}, err
		}
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Session{}, err
	}
	s.Status = domain.SessionStatus(status)

	// A missing token means no conversation has been established yet.
	s.ConversationToken, _ = strAttr(item, "conversationToken")
	if s.ConversationToken == "" {
		s.ConversationToken = s.RemoteJID
	}
	s.AwaitUser, _ = boolAttr(item, "awaitUser")

	if s.CreatedAt, err = timeAttr(item, "createdAt"); err != nil {
		return domain.Session{}, err
	}
	if s.UpdatedAt, err = timeAttr(item, "updatedAt"); err != nil {
		return domain.Session{}, err
	}
	if ttl, err := intAttr(item, "ttl"); err == nil {
		s.TTL = int64(ttl)
	}
	return s, nil
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

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, fmt.Errorf("repository: missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("repository: attribute %q is not a bool", key)
	}
	return b.Value, nil
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
	raw, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts, nil
}
