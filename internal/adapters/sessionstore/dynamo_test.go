package sessionstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/studio/internal/domain"
)

type fakeDynamo struct {
	getOuts    []*dynamodb.GetItemOutput
	getErr     error
	putErrs    []error
	updateErrs []error
	queryOuts  []*dynamodb.QueryOutput
	txErr      error

	getInputs    []*dynamodb.GetItemInput
	putInputs    []*dynamodb.PutItemInput
	updateInputs []*dynamodb.UpdateItemInput
	queryInputs  []*dynamodb.QueryInput
	lastTxInput  *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.getInputs = append(f.getInputs, in)
	if f.getErr != nil {
		return nil, f.getErr
	}
	if len(f.getOuts) == 0 {
		return &dynamodb.GetItemOutput{}, nil
	}
	out := f.getOuts[0]
	f.getOuts = f.getOuts[1:]
	return out, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.putInputs = append(f.putInputs, in)
	if len(f.putErrs) == 0 {
		return &dynamodb.PutItemOutput{}, nil
	}
	err := f.putErrs[0]
	f.putErrs = f.putErrs[1:]
	return &dynamodb.PutItemOutput{}, err
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updateInputs = append(f.updateInputs, in)
	if len(f.updateErrs) == 0 {
		return &dynamodb.UpdateItemOutput{}, nil
	}
	err := f.updateErrs[0]
	f.updateErrs = f.updateErrs[1:]
	return &dynamodb.UpdateItemOutput{}, err
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryInputs = append(f.queryInputs, in)
	if len(f.queryOuts) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	out := f.queryOuts[0]
	f.queryOuts = f.queryOuts[1:]
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

func mustNewDynamo(t *testing.T, db *fakeDynamo) *Dynamo {
	t.Helper()
	d, err := NewDynamo(db, "sessions")
	require.NoError(t, err)
	return d
}

func metaItem(state domain.SessionState, host string) map[string]types.AttributeValue {
	item := keyOf(sessionPK("r1", "s1"), skMeta)
	item["state"] = attrS(string(state))
	item["host"] = attrS(host)
	item["createdAt"] = attrS("2026-01-01T00:00:00.000000000Z")
	return item
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("conditional check failed")}
}

func TestNewDynamoValidatesArgs(t *testing.T) {
	_, err := NewDynamo(nil, "t")
	require.Error(t, err)
	_, err = NewDynamo(&fakeDynamo{}, " ")
	require.Error(t, err)
}

func TestDynamoOpenIsConditionalAndReadsBack(t *testing.T) {
	req := require.New(t)
	db := &fakeDynamo{
		putErrs: []error{conditionFailed()},
		getOuts: []*dynamodb.GetItemOutput{{Item: metaItem(domain.SessionStopped, "host-a")}},
	}
	d := mustNewDynamo(t, db)

	sess, err := d.Open(context.Background(), "r1", "s1", "host-b")
	req.NoError(err)
	req.Equal(domain.SessionStopped, sess.State)
	req.Equal(domain.ParticipantID("host-a"), sess.Host)
	req.Equal("attribute_not_exists(PK)", aws.ToString(db.putInputs[0].ConditionExpression))
	req.Equal("SESSION#r1#s1", db.putInputs[0].Item["PK"].(*types.AttributeValueMemberS).Value)
	req.True(aws.ToBool(db.getInputs[0].ConsistentRead))
}

func TestDynamoGetMissingSession(t *testing.T) {
	d := mustNewDynamo(t, &fakeDynamo{})
	_, err := d.Get(context.Background(), "r1", "s1")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestDynamoTransitionConditionFailed(t *testing.T) {
	req := require.New(t)
	db := &fakeDynamo{
		updateErrs: []error{conditionFailed()},
		getOuts:    []*dynamodb.GetItemOutput{{Item: metaItem(domain.SessionMerging, "a")}},
	}
	d := mustNewDynamo(t, db)

	ok, err := d.Transition(context.Background(), "r1", "s1",
		[]domain.SessionState{domain.SessionActive, domain.SessionStopped}, domain.SessionMerging)
	req.NoError(err)
	req.False(ok)
	in := db.updateInputs[0]
	req.Equal("attribute_exists(PK) AND #state IN (:f0, :f1)", aws.ToString(in.ConditionExpression))
	req.Equal("merging", in.ExpressionAttributeValues[":to"].(*types.AttributeValueMemberS).Value)
}

func TestDynamoAddTrackSessionClosed(t *testing.T) {
	req := require.New(t)
	db := &fakeDynamo{
		txErr: &types.TransactionCanceledException{CancellationReasons: []types.CancellationReason{
			{Code: aws.String("ConditionalCheckFailed")},
			{Code: aws.String("None")},
		}},
		getOuts: []*dynamodb.GetItemOutput{{Item: metaItem(domain.SessionArchived, "a")}},
	}
	d := mustNewDynamo(t, db)

	_, err := d.AddTrack(context.Background(), domain.Track{Room: "r1", Session: "s1", ID: "t1"})
	req.ErrorIs(err, domain.ErrSessionClosed)
	req.Len(db.lastTxInput.TransactItems, 2)
	req.NotNil(db.lastTxInput.TransactItems[0].ConditionCheck)
	req.Equal("TRACK#t1", db.lastTxInput.TransactItems[1].Put.Item["SK"].(*types.AttributeValueMemberS).Value)
}

func TestDynamoAddTrackExistingUpdatesTiming(t *testing.T) {
	req := require.New(t)
	db := &fakeDynamo{
		txErr: &types.TransactionCanceledException{CancellationReasons: []types.CancellationReason{
			{Code: aws.String("None")},
			{Code: aws.String("ConditionalCheckFailed")},
		}},
	}
	d := mustNewDynamo(t, db)
	start := time.UnixMilli(5000)

	added, err := d.AddTrack(context.Background(), domain.Track{Room: "r1", Session: "s1", ID: "t1", StartedAt: start, EndedAt: start.Add(time.Second)})
	req.NoError(err)
	req.False(added)
	req.Len(db.updateInputs, 1)
	req.Equal("5000", db.updateInputs[0].ExpressionAttributeValues[":s"].(*types.AttributeValueMemberN).Value)
}

func TestDynamoSetArtifactUnknownTrack(t *testing.T) {
	req := require.New(t)
	db := &fakeDynamo{updateErrs: []error{conditionFailed()}}
	d := mustNewDynamo(t, db)

	_, err := d.SetArtifact(context.Background(), domain.Completion{Room: "r1", Session: "s1", Track: "ghost", ArtifactKey: "k"})
	req.ErrorIs(err, domain.ErrTrackNotFound)
	req.Contains(aws.ToString(db.updateInputs[0].ConditionExpression), "attribute_not_exists(artifactKey)")
}

func TestDynamoTracksPaginatesAndSorts(t *testing.T) {
	req := require.New(t)
	track := func(id string, startMs int64, artifact string) map[string]types.AttributeValue {
		item := keyOf(sessionPK("r1", "s1"), skTrackPrefix+id)
		item["track"] = attrS(id)
		item["startedAt"] = attrN(startMs)
		item["endedAt"] = attrN(startMs + 1000)
		if artifact != "" {
			item["artifactKey"] = attrS(artifact)
		}
		return item
	}
	db := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{Items: []map[string]types.AttributeValue{track("late", 3000, "")}, LastEvaluatedKey: keyOf("x", "y")},
		{Items: []map[string]types.AttributeValue{track("early", 1000, "final_videos/r1/s1/early.webm")}},
	}}
	d := mustNewDynamo(t, db)

	tracks, err := d.Tracks(context.Background(), "r1", "s1")
	req.NoError(err)
	req.Len(tracks, 2)
	req.Equal(domain.TrackID("early"), tracks[0].ID)
	req.True(tracks[0].Ready())
	req.False(tracks[1].Ready())
	req.Len(db.queryInputs, 2)
	req.NotNil(db.queryInputs[1].ExclusiveStartKey)
}

func TestDynamoSaveMergedArtifactAndLatest(t *testing.T) {
	req := require.New(t)
	db := &fakeDynamo{putErrs: []error{nil, conditionFailed()}}
	d := mustNewDynamo(t, db)
	a := domain.MergedArtifact{Room: "r1", Session: "s1", Key: "final_conference_videos/r1/conference_s1_merged.webm", AudioSource: "t1", Size: 2048}

	req.NoError(d.SaveMergedArtifact(context.Background(), a))
	req.Len(db.putInputs, 2)
	req.Equal(pkLatest, db.putInputs[1].Item["PK"].(*types.AttributeValueMemberS).Value)
	req.Equal("archived", db.updateInputs[0].ExpressionAttributeValues[":archived"].(*types.AttributeValueMemberS).Value)

	db.getOuts = []*dynamodb.GetItemOutput{{Item: db.putInputs[1].Item}}
	latest, err := d.LatestArtifact(context.Background())
	req.NoError(err)
	req.Equal(a.Key, latest.Key)
	req.Equal(int64(2048), latest.Size)

	_, err = d.LatestArtifact(context.Background())
	req.ErrorIs(err, domain.ErrNotFound)
}

func TestDynamoTransientErrorsAreWrapped(t *testing.T) {
	db := &fakeDynamo{getErr: errors.New("throttled")}
	d := mustNewDynamo(t, db)
	_, err := d.Get(context.Background(), "r1", "s1")
	require.ErrorIs(t, err, domain.ErrTransient)
}
