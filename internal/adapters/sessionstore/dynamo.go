package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/studio/internal/domain"
)

const (
	skMeta        = "META"
	skTrackPrefix = "TRACK#"
	skArtifact    = "ARTIFACT"
	pkLatest      = "LATEST"
)

// dynamodbAPI is the minimal DynamoDB interface required by Dynamo.
// *dynamodb.Client satisfies it.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Dynamo keeps one session per partition: META, TRACK#<id> and ARTIFACT items.
type Dynamo struct {
	api       dynamodbAPI
	tableName string
	log       zerolog.Logger
	now       func() time.Time
}

func NewDynamo(api dynamodbAPI, tableName string) (*Dynamo, error) {
	if api == nil {
		return nil, errors.New("sessionstore: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("sessionstore: table name must not be empty")
	}
	return &Dynamo{
		api:       api,
		tableName: tableName,
		log:       log.With().Str("module", "adapters.sessionstore.dynamo").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func sessionPK(room domain.RoomID, id domain.SessionID) string {
	return "SESSION#" + string(room) + "#" + string(id)
}

func keyOf(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func attrS(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func attrN(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (d *Dynamo) Open(ctx context.Context, room domain.RoomID, id domain.SessionID, host domain.ParticipantID) (domain.ConferenceSession, error) {
	ts := formatTime(d.now())
	item := keyOf(sessionPK(room, id), skMeta)
	item["room"] = attrS(string(room))
	item["session"] = attrS(string(id))
	item["state"] = attrS(string(domain.SessionActive))
	item["host"] = attrS(string(host))
	item["createdAt"] = attrS(ts)
	item["updatedAt"] = attrS(ts)

	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil && !isConditionFailed(err) {
		return domain.ConferenceSession{}, domain.Wrap(domain.ErrTransient, "sessionstore", "open session", string(id), err)
	}
	return d.Get(ctx, room, id)
}

func (d *Dynamo) Get(ctx context.Context, room domain.RoomID, id domain.SessionID) (domain.ConferenceSession, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            keyOf(sessionPK(room, id), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConferenceSession{}, domain.Wrap(domain.ErrTransient, "sessionstore", "get session", string(id), err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ConferenceSession{}, fmt.Errorf("%w: %s/%s", domain.ErrSessionNotFound, room, id)
	}
	return domain.ConferenceSession{
		Room:      room,
		ID:        id,
		State:     domain.SessionState(strAttr(out.Item, "state")),
		Host:      domain.ParticipantID(strAttr(out.Item, "host")),
		CreatedAt: parseTime(strAttr(out.Item, "createdAt")),
		UpdatedAt: parseTime(strAttr(out.Item, "updatedAt")),
	}, nil
}

func (d *Dynamo) Transition(ctx context.Context, room domain.RoomID, id domain.SessionID, from []domain.SessionState, to domain.SessionState) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	values := map[string]types.AttributeValue{
		":to":  attrS(string(to)),
		":now": attrS(formatTime(d.now())),
	}
	names := make([]string, 0, len(from))
	for i, st := range from {
		name := fmt.Sprintf(":f%d", i)
		values[name] = attrS(string(st))
		names = append(names, name)
	}
	_, err := d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.tableName),
		Key:                       keyOf(sessionPK(room, id), skMeta),
		UpdateExpression:          aws.String("SET #state = :to, updatedAt = :now"),
		ConditionExpression:       aws.String("attribute_exists(PK) AND #state IN (" + strings.Join(names, ", ") + ")"),
		ExpressionAttributeNames:  map[string]string{"#state": "state"},
		ExpressionAttributeValues: values,
	})
	if isConditionFailed(err) {
		if _, getErr := d.Get(ctx, room, id); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	if err != nil {
		return false, domain.Wrap(domain.ErrTransient, "sessionstore", "transition", string(id), err)
	}
	d.log.Info().Str("room", string(room)).Str("session", string(id)).Str("state", string(to)).Msg("session transition")
	return true, nil
}

func (d *Dynamo) AddTrack(ctx context.Context, track domain.Track) (bool, error) {
	pk := sessionPK(track.Room, track.Session)
	registered := track.RegisteredAt
	if registered.IsZero() {
		registered = d.now()
	}
	item := keyOf(pk, skTrackPrefix+string(track.ID))
	item["track"] = attrS(string(track.ID))
	item["participant"] = attrS(string(track.Participant))
	item["startedAt"] = attrN(domain.Millis(track.StartedAt))
	item["endedAt"] = attrN(domain.Millis(track.EndedAt))
	item["registeredAt"] = attrS(formatTime(registered))

	_, err := d.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				ConditionCheck: &types.ConditionCheck{
					TableName:                aws.String(d.tableName),
					Key:                      keyOf(pk, skMeta),
					ConditionExpression:      aws.String("#state IN (:active, :stopped)"),
					ExpressionAttributeNames: map[string]string{"#state": "state"},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":active":  attrS(string(domain.SessionActive)),
						":stopped": attrS(string(domain.SessionStopped)),
					},
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(d.tableName),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(PK)"),
				},
			},
		},
	})
	if err == nil {
		d.log.Info().Str("room", string(track.Room)).Str("session", string(track.Session)).Str("track", string(track.ID)).Msg("track registered")
		return true, nil
	}

	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return false, domain.Wrap(domain.ErrTransient, "sessionstore", "add track", string(track.ID), err)
	}
	reasons := canceled.CancellationReasons
	if len(reasons) > 0 && aws.ToString(reasons[0].Code) == "ConditionalCheckFailed" {
		sess, getErr := d.Get(ctx, track.Room, track.Session)
		if getErr != nil {
			return false, getErr
		}
		return false, fmt.Errorf("%w: %s is %s", domain.ErrSessionClosed, sess.ID, sess.State)
	}
	if len(reasons) > 1 && aws.ToString(reasons[1].Code) == "ConditionalCheckFailed" {
		if track.StartedAt.IsZero() {
			return false, nil
		}
		_, err := d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:           aws.String(d.tableName),
			Key:                 keyOf(pk, skTrackPrefix+string(track.ID)),
			UpdateExpression:    aws.String("SET startedAt = :s, endedAt = :e"),
			ConditionExpression: aws.String("attribute_not_exists(artifactKey)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":s": attrN(domain.Millis(track.StartedAt)),
				":e": attrN(domain.Millis(track.EndedAt)),
			},
		})
		if err != nil && !isConditionFailed(err) {
			return false, domain.Wrap(domain.ErrTransient, "sessionstore", "update track timing", string(track.ID), err)
		}
		return false, nil
	}
	return false, domain.Wrap(domain.ErrTransient, "sessionstore", "add track", string(track.ID), err)
}

func (d *Dynamo) SetArtifact(ctx context.Context, c domain.Completion) (bool, error) {
	key := keyOf(sessionPK(c.Room, c.Session), skTrackPrefix+string(c.Track))
	_, err := d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 key,
		UpdateExpression:    aws.String("SET artifactKey = :k, startedAt = :s, endedAt = :e"),
		ConditionExpression: aws.String("attribute_exists(PK) AND attribute_not_exists(artifactKey)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":k": attrS(c.ArtifactKey),
			":s": attrN(domain.Millis(c.StartedAt)),
			":e": attrN(domain.Millis(c.EndedAt)),
		},
	})
	if err == nil {
		return true, nil
	}
	if !isConditionFailed(err) {
		return false, domain.Wrap(domain.ErrTransient, "sessionstore", "set artifact", string(c.Track), err)
	}
	out, getErr := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if getErr != nil {
		return false, domain.Wrap(domain.ErrTransient, "sessionstore", "get track", string(c.Track), getErr)
	}
	if out == nil || len(out.Item) == 0 {
		return false, fmt.Errorf("%w: %s/%s/%s", domain.ErrTrackNotFound, c.Room, c.Session, c.Track)
	}
	return false, nil
}

func (d *Dynamo) Tracks(ctx context.Context, room domain.RoomID, id domain.SessionID) ([]domain.Track, error) {
	var (
		out   []domain.Track
		start map[string]types.AttributeValue
	)
	for {
		page, err := d.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(d.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     attrS(sessionPK(room, id)),
				":prefix": attrS(skTrackPrefix),
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, domain.Wrap(domain.ErrTransient, "sessionstore", "query tracks", string(id), err)
		}
		for _, item := range page.Items {
			out = append(out, domain.Track{
				Room:         room,
				Session:      id,
				ID:           domain.TrackID(strAttr(item, "track")),
				Participant:  domain.ParticipantID(strAttr(item, "participant")),
				StartedAt:    domain.FromMillis(numAttr(item, "startedAt")),
				EndedAt:      domain.FromMillis(numAttr(item, "endedAt")),
				RegisteredAt: parseTime(strAttr(item, "registeredAt")),
				ArtifactKey:  strAttr(item, "artifactKey"),
			})
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		start = page.LastEvaluatedKey
	}
	slices.SortStableFunc(out, compareTracks)
	return out, nil
}

func compareTracks(a, b domain.Track) int {
	if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
		return c
	}
	if c := a.RegisteredAt.Compare(b.RegisteredAt); c != 0 {
		return c
	}
	return strings.Compare(string(a.ID), string(b.ID))
}

func (d *Dynamo) SaveMergedArtifact(ctx context.Context, a domain.MergedArtifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = d.now()
	}
	item := artifactItem(sessionPK(a.Room, a.Session), skArtifact, a)
	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil && !isConditionFailed(err) {
		return domain.Wrap(domain.ErrTransient, "sessionstore", "put merged artifact", string(a.Session), err)
	}

	_, err = d.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(d.tableName),
		Key:                       keyOf(sessionPK(a.Room, a.Session), skMeta),
		UpdateExpression:          aws.String("SET #state = :archived, updatedAt = :now"),
		ExpressionAttributeNames:  map[string]string{"#state": "state"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":archived": attrS(string(domain.SessionArchived)), ":now": attrS(formatTime(d.now()))},
	})
	if err != nil {
		return domain.Wrap(domain.ErrTransient, "sessionstore", "archive session", string(a.Session), err)
	}

	_, err = d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(d.tableName),
		Item:                      artifactItem(pkLatest, skArtifact, a),
		ConditionExpression:       aws.String("attribute_not_exists(PK) OR createdAt <= :c"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":c": attrS(formatTime(a.CreatedAt))},
	})
	if err != nil && !isConditionFailed(err) {
		return domain.Wrap(domain.ErrTransient, "sessionstore", "put latest artifact", string(a.Session), err)
	}
	d.log.Info().Str("room", string(a.Room)).Str("session", string(a.Session)).Str("key", a.Key).Msg("merged artifact recorded")
	return nil
}

func (d *Dynamo) LatestArtifact(ctx context.Context) (domain.MergedArtifact, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            keyOf(pkLatest, skArtifact),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.MergedArtifact{}, domain.Wrap(domain.ErrTransient, "sessionstore", "latest artifact", "", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.MergedArtifact{}, domain.Wrap(domain.ErrNotFound, "sessionstore", "latest artifact", "", nil)
	}
	return domain.MergedArtifact{
		Room:        domain.RoomID(strAttr(out.Item, "room")),
		Session:     domain.SessionID(strAttr(out.Item, "session")),
		Key:         strAttr(out.Item, "key"),
		AudioSource: domain.TrackID(strAttr(out.Item, "audioSource")),
		Size:        numAttr(out.Item, "size"),
		CreatedAt:   parseTime(strAttr(out.Item, "createdAt")),
	}, nil
}

func artifactItem(pk, sk string, a domain.MergedArtifact) map[string]types.AttributeValue {
	item := keyOf(pk, sk)
	item["room"] = attrS(string(a.Room))
	item["session"] = attrS(string(a.Session))
	item["key"] = attrS(a.Key)
	item["audioSource"] = attrS(string(a.AudioSource))
	item["size"] = attrN(a.Size)
	item["createdAt"] = attrS(formatTime(a.CreatedAt))
	return item
}

// strAttr returns "" for a missing or non-string attribute.
func strAttr(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func numAttr(item map[string]types.AttributeValue, key string) int64 {
	v, ok := item[key].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	parsed, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
