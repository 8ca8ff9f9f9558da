package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"dify-relay/internal/domain"
)

type fakeDynamo struct {
	putErr      error
	updateErr   error
	queryOuts   []*dynamodb.QueryOutput
	queryErr    error
	txErr       error
	queryCalls  int
	lastPut     *dynamodb.PutItemInput
	lastUpdate  *dynamodb.UpdateItemInput
	lastQueryIn *dynamodb.QueryInput
	txInputs    []*dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPut = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdate = in
	return &dynamodb.UpdateItemOutput{}, f.updateErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQueryIn = in
	idx := f.queryCalls
	f.queryCalls++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if idx >= len(f.queryOuts) {
		return &dynamodb.QueryOutput{}, nil
	}
	return f.queryOuts[idx], nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.txInputs = append(f.txInputs, in)
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "sessions")
	require.NoError(t, err)
	return c
}

func freezeClock(t *testing.T, ts time.Time, id string) {
	t.Helper()
	prevNow, prevID := now, newID
	now = func() time.Time { return ts }
	newID = func() string { return id }
	t.Cleanup(func() { now, newID = prevNow, prevID })
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func statusPtr(s domain.SessionStatus) *domain.SessionStatus { return &s }

func TestCreate_PersistsOpenedSessionWithSentinelToken(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	freezeClock(t, ts, "sess-1")
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	s, err := c.Create(context.Background(), "support", "5511999@s.whatsapp.net")
	require.NoError(t, err)
	require.Equal(t, "sess-1", s.ID)
	require.Equal(t, domain.StatusOpened, s.Status)
	require.False(t, s.AwaitUser)
	require.Equal(t, "5511999@s.whatsapp.net", s.ConversationToken)
	require.False(t, s.HasConversation())
	require.Equal(t, "BOT#support#JID#5511999@s.whatsapp.net", s.PK)
	require.Equal(t, "SESSION#2026-03-01T09:00:00.000000000Z#sess-1", s.SK)

	require.Equal(t, "attribute_not_exists(PK) AND attribute_not_exists(SK)", *db.lastPut.ConditionExpression)
	require.Equal(t, "opened", db.lastPut.Item["status"].(*types.AttributeValueMemberS).Value)
	require.False(t, db.lastPut.Item["awaitUser"].(*types.AttributeValueMemberBOOL).Value)
}

func TestCreate_RequiresIdentity(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	_, err := c.Create(context.Background(), "support", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "required")
}

func TestCreate_DynamoError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{putErr: errors.New("ProvisionedThroughputExceededException")})
	_, err := c.Create(context.Background(), "support", "jid")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Create")
}

func TestGet_ReturnsNewestRecord(t *testing.T) {
	freezeClock(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), "sess-1")
	stored := NewSession("support", "jid")
	stored.ConversationToken = "conv-9"
	stored.AwaitUser = true

	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{sessionItem(stored)}}}}
	c := mustNewClient(t, db)

	got, err := c.Get(context.Background(), "support", "jid")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, stored.ID, got.ID)
	require.Equal(t, "conv-9", got.ConversationToken)
	require.True(t, got.AwaitUser)
	require.True(t, got.UpdatedAt.Equal(stored.UpdatedAt))

	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *db.lastQueryIn.KeyConditionExpression)
	require.False(t, *db.lastQueryIn.ScanIndexForward)
	require.Equal(t, int32(1), *db.lastQueryIn.Limit)
}

func TestGet_Absent(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{}}})
	got, err := c.Get(context.Background(), "support", "jid")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestGet_QueryError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{queryErr: errors.New("ResourceNotFoundException")})
	_, err := c.Get(context.Background(), "support", "jid")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Get query")
}

func TestGet_MalformedItem(t *testing.T) {
	item := map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "BOT#support#JID#jid"},
		"SK": &types.AttributeValueMemberS{Value: "SESSION#x"},
	}
	c := mustNewClient(t, &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{item}}}})
	_, err := c.Get(context.Background(), "support", "jid")
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing attribute")
}

func TestGet_MissingTokenFallsBackToSentinel(t *testing.T) {
	stored := NewSession("support", "jid")
	item := sessionItem(stored)
	delete(item, "conversationToken")
	c := mustNewClient(t, &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{item}}}})

	got, err := c.Get(context.Background(), "support", "jid")
	require.NoError(t, err)
	require.Equal(t, "jid", got.ConversationToken)
}

func TestUpdate_SetsOnlyProvidedFields(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	s := NewSession("support", "jid")

	err := c.Update(context.Background(), s, domain.SessionUpdate{
		Status:            statusPtr(domain.StatusOpened),
		AwaitUser:         boolPtr(true),
		ConversationToken: strPtr("conv-1"),
	})
	require.NoError(t, err)

	in := db.lastUpdate
	require.Equal(t, "id = :id", *in.ConditionExpression)
	expr := *in.UpdateExpression
	require.True(t, strings.HasPrefix(expr, "SET "))
	require.Contains(t, expr, "#status = :status")
	require.Contains(t, expr, "awaitUser = :awaitUser")
	require.Contains(t, expr, "conversationToken = :token")
	require.Equal(t, "status", in.ExpressionAttributeNames["#status"])
	require.Equal(t, "conv-1", in.ExpressionAttributeValues[":token"].(*types.AttributeValueMemberS).Value)
	require.True(t, in.ExpressionAttributeValues[":awaitUser"].(*types.AttributeValueMemberBOOL).Value)
}

func TestUpdate_StatusOnly(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)

	err := c.Update(context.Background(), NewSession("support", "jid"), domain.SessionUpdate{Status: statusPtr(domain.StatusClosed)})
	require.NoError(t, err)
	require.NotContains(t, *db.lastUpdate.UpdateExpression, "conversationToken")
	require.NotContains(t, *db.lastUpdate.UpdateExpression, "awaitUser")
	require.Equal(t, "closed", db.lastUpdate.ExpressionAttributeValues[":status"].(*types.AttributeValueMemberS).Value)
}

func TestUpdate_ConditionFailedMapsToNotFound(t *testing.T) {
	db := &fakeDynamo{updateErr: &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}}
	c := mustNewClient(t, db)

	err := c.Update(context.Background(), NewSession("support", "jid"), domain.SessionUpdate{AwaitUser: boolPtr(false)})
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestUpdate_DynamoError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{updateErr: errors.New("internal server error")})
	err := c.Update(context.Background(), NewSession("support", "jid"), domain.SessionUpdate{AwaitUser: boolPtr(false)})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Update")
	require.NotErrorIs(t, err, ErrSessionNotFound)
}

func TestUpdate_MissingKeys(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{})
	err := c.Update(context.Background(), domain.Session{ID: "x"}, domain.SessionUpdate{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "required")
}

func keyItem(i int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "BOT#support#JID#jid"},
		"SK": &types.AttributeValueMemberS{Value: fmt.Sprintf("SESSION#%03d", i)},
	}
}

func TestDeleteAll_DeletesEveryRecordAcrossPages(t *testing.T) {
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{Items: []map[string]types.AttributeValue{keyItem(1), keyItem(2)}, LastEvaluatedKey: keyItem(2)},
		{Items: []map[string]types.AttributeValue{keyItem(3)}},
	}}
	c := mustNewClient(t, db)

	require.NoError(t, c.DeleteAll(context.Background(), "support", "jid"))
	require.Equal(t, 2, db.queryCalls)
	require.Len(t, db.txInputs, 1)
	require.Len(t, db.txInputs[0].TransactItems, 3)
	require.NotNil(t, db.txInputs[0].TransactItems[0].Delete)
}

func TestDeleteAll_ChunksLargePartitions(t *testing.T) {
	items := make([]map[string]types.AttributeValue, 0, 150)
	for i := 0; i < 150; i++ {
		items = append(items, keyItem(i))
	}
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{{Items: items}}}
	c := mustNewClient(t, db)

	require.NoError(t, c.DeleteAll(context.Background(), "support", "jid"))
	require.Len(t, db.txInputs, 2)
	require.Len(t, db.txInputs[0].TransactItems, 100)
	require.Len(t, db.txInputs[1].TransactItems, 50)
}

func TestDeleteAll_NothingToDelete(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.DeleteAll(context.Background(), "support", "jid"))
	require.Empty(t, db.txInputs)
}

func TestDeleteAll_Errors(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{queryErr: errors.New("boom")})
	err := c.DeleteAll(context.Background(), "support", "jid")
	require.Error(t, err)
	require.Contains(t, err.Error(), "DeleteAll")

	c = mustNewClient(t, &fakeDynamo{
		queryOuts: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{keyItem(1)}}},
		txErr:     errors.New("transaction canceled"),
	})
	err = c.DeleteAll(context.Background(), "support", "jid")
	require.Error(t, err)
	require.Contains(t, err.Error(), "transaction canceled")
}

func TestSessionSK_SortsChronologically(t *testing.T) {
	a := sessionSK(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), "b")
	b := sessionSK(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), "a")
	require.Less(t, a, b)

	whole := sessionSK(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), "x")
	frac := sessionSK(time.Date(2026, 3, 1, 9, 0, 0, 500_000_000, time.UTC), "x")
	require.Less(t, whole, frac)
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil, "sessions")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNew_EmptyTableName(t *testing.T) {
	_, err := New(&fakeDynamo{}, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be empty")
}
