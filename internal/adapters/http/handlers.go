package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/studio/internal/app"
	"github.com/dkeye/studio/internal/app/ingest"
	"github.com/dkeye/studio/internal/app/readiness"
	"github.com/dkeye/studio/internal/core"
	"github.com/dkeye/studio/internal/domain"
)

type Ingestor interface {
	Ingest(ctx context.Context, req ingest.ChunkRequest) (string, error)
	Finalize(ctx context.Context, req ingest.FinalizeRequest) (bool, error)
}

type ReadinessService interface {
	Record(ctx context.Context, c domain.Completion) error
	Snapshot(ctx context.Context, room domain.RoomID, session domain.SessionID) (domain.Readiness, error)
	RequestMerge(ctx context.Context, req readiness.MergeRequest) (readiness.MergeOutcome, error)
}

type RoomDirectory interface {
	ListRooms() []domain.RoomInfo
	ParticipantFor(token string) (domain.ParticipantID, bool)
}

type ArtifactIndex interface {
	LatestArtifact(ctx context.Context) (domain.MergedArtifact, error)
}

// API serves the recording pipeline endpoints.
type API struct {
	Ingest    Ingestor
	Readiness ReadinessService
	Rooms     RoomDirectory
	Artifacts ArtifactIndex
	Latest    *app.LatestArtifact
	Store     core.ObjectStore

	log zerolog.Logger
}

func NewAPI(ing Ingestor, rd ReadinessService, rooms RoomDirectory, idx ArtifactIndex, latest *app.LatestArtifact, store core.ObjectStore) *API {
	return &API{
		Ingest:    ing,
		Readiness: rd,
		Rooms:     rooms,
		Artifacts: idx,
		Latest:    latest,
		Store:     store,
		log:       log.With().Str("module", "adapters.http").Logger(),
	}
}

func (a *API) Register(g *gin.RouterGroup) {
	g.POST("/chunks", a.uploadChunk)
	g.POST("/tracks/complete", a.completeTrack)
	g.GET("/conferences/:room/:session/status", a.conferenceStatus)
	g.POST("/conferences/:room/:session/merge", a.triggerMerge)
	g.GET("/artifacts/latest", a.latestArtifact)
	g.GET("/rooms", a.listRooms)
}

type chunkForm struct {
	Room        string `form:"roomId" binding:"required"`
	Session     string `form:"recordingId" binding:"required"`
	Track       string `form:"userId" binding:"required"`
	Participant string `form:"participantId"`
	ChunkIndex  *int   `form:"chunkIndex"`
	IsLastChunk bool   `form:"isLastChunk"`
	StartedAt   int64  `form:"recordingStartTime"`
	EndedAt     int64  `form:"recordingEndTime"`
}

func (a *API) uploadChunk(c *gin.Context) {
	var f chunkForm
	if err := c.ShouldBind(&f); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "missing required chunk metadata"})
		return
	}
	room, session, track, err := chunkIDs(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	participant := a.uploader(c, f.Participant)

	if f.IsLastChunk {
		if f.StartedAt <= 0 || f.EndedAt <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "missing recording timestamps for final signal"})
			return
		}
		enqueued, err := a.Ingest.Finalize(c.Request.Context(), ingest.FinalizeRequest{
			Room:        room,
			Track:       track,
			Session:     session,
			Participant: participant,
			StartedAt:   domain.FromMillis(f.StartedAt),
			EndedAt:     domain.FromMillis(f.EndedAt),
		})
		if err != nil {
			a.fail(c, "finalize", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "enqueued": enqueued})
		return
	}

	if f.ChunkIndex == nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "missing chunkIndex"})
		return
	}
	fh, err := c.FormFile("videoChunk")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "no video chunk file received"})
		return
	}
	file, err := fh.Open()
	if err != nil {
		a.fail(c, "chunk", err)
		return
	}
	defer file.Close()

	key, err := a.Ingest.Ingest(c.Request.Context(), ingest.ChunkRequest{
		Room:        room,
		Track:       track,
		Session:     session,
		Participant: participant,
		Index:       *f.ChunkIndex,
		Payload:     file,
		Size:        fh.Size,
	})
	if err != nil {
		a.fail(c, "chunk", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "key": key})
}

// uploader names the participant a track belongs to. Clients that omit it are
// resolved through their signaling connection.
func (a *API) uploader(c *gin.Context, declared string) domain.ParticipantID {
	if declared != "" {
		return domain.ParticipantID(declared)
	}
	pid, _ := a.Rooms.ParticipantFor(c.GetString("client_token"))
	return pid
}

func chunkIDs(f chunkForm) (domain.RoomID, domain.SessionID, domain.TrackID, error) {
	room, err := domain.ParseRoomID(f.Room)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid roomId: %w", err)
	}
	session, err := domain.ParseSessionID(f.Session)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid recordingId: %w", err)
	}
	track, err := domain.ParseTrackID(f.Track)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid userId: %w", err)
	}
	return room, session, track, nil
}

func (a *API) completeTrack(c *gin.Context) {
	var req domain.Completion
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "malformed completion"})
		return
	}
	if err := a.Readiness.Record(c.Request.Context(), req); err != nil {
		a.fail(c, "complete", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (a *API) conferenceStatus(c *gin.Context) {
	room, session, ok := pathIDs(c)
	if !ok {
		return
	}
	r, err := a.Readiness.Snapshot(c.Request.Context(), room, session)
	if err != nil {
		a.fail(c, "status", err)
		return
	}
	if r.TotalTracks == 0 && r.State == domain.SessionUninitialized {
		c.JSON(http.StatusNotFound, gin.H{"message": "conference session not found", "readyForMerge": false})
		return
	}
	c.JSON(http.StatusOK, r)
}

type mergeBody struct {
	AudioSource string `json:"audioSource"`
}

func (a *API) triggerMerge(c *gin.Context) {
	room, session, ok := pathIDs(c)
	if !ok {
		return
	}
	var body mergeBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "malformed body"})
			return
		}
	}
	if body.AudioSource != "" {
		if _, err := domain.ParseTrackID(body.AudioSource); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid audioSource"})
			return
		}
	}
	requester, _ := a.Rooms.ParticipantFor(c.GetString("client_token"))

	out, err := a.Readiness.RequestMerge(c.Request.Context(), readiness.MergeRequest{
		Room:        room,
		Session:     session,
		AudioSource: domain.TrackID(body.AudioSource),
		Requester:   requester,
	})
	if err != nil {
		a.fail(c, "merge", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "enqueued": out.Enqueued, "job": out.Payload})
}

func (a *API) latestArtifact(c *gin.Context) {
	art, ok := a.Latest.Get()
	if !ok {
		var err error
		art, err = a.Artifacts.LatestArtifact(c.Request.Context())
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"message": "no merged artifact available yet"})
				return
			}
			a.fail(c, "latest", err)
			return
		}
	}
	rc, err := a.Store.Get(c.Request.Context(), art.Key)
	if err != nil {
		a.fail(c, "latest", err)
		return
	}
	defer rc.Close()

	c.Header("Content-Disposition", `inline; filename="`+string(art.Session)+`.webm"`)
	c.Header("X-Artifact-Key", art.Key)
	if art.Size > 0 {
		c.DataFromReader(http.StatusOK, art.Size, "video/webm", rc, nil)
		return
	}
	c.Header("Content-Type", "video/webm")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		a.log.Warn().Err(err).Str("key", art.Key).Msg("artifact stream interrupted")
	}
}

func (a *API) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": a.Rooms.ListRooms()})
}

func pathIDs(c *gin.Context) (domain.RoomID, domain.SessionID, bool) {
	room, err := domain.ParseRoomID(c.Param("room"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid room id"})
		return "", "", false
	}
	session, err := domain.ParseSessionID(c.Param("session"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "invalid session id"})
		return "", "", false
	}
	return room, session, true
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrChunkIndex):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotHost):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotReady), errors.Is(err, domain.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrTrackNotFound), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(c *gin.Context, op string, err error) {
	code := statusFor(err)
	ev := a.log.Warn()
	if code >= http.StatusInternalServerError {
		ev = a.log.Error()
	}
	ev.Err(err).Str("op", op).Int("status", code).Str("path", c.FullPath()).Msg("request failed")
	c.JSON(code, gin.H{"success": false, "message": err.Error()})
}
