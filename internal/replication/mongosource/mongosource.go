// Package mongosource is the one concrete SourceAdapter (spec.md §1's
// "described only by the events they emit" boundary) this repository
// ships: a MongoDB change-stream reader built on github.com/juju/mgo/v3,
// grounded on the session/collection/bson idiom used throughout
// state/*.go in the teacher repo (state/sshconnrequests.go,
// state/upgrades.go). Postgres logical replication and MySQL binlog
// adapters remain out of scope per spec.md's non-goals; nothing in the
// pack carries a driver for either.
package mongosource

import (
	"context"
	"fmt"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"gopkg.in/tomb.v2"

	"github.com/forkmeplease/powersync-service/internal/obslog"
	"github.com/forkmeplease/powersync-service/internal/replication"
)

var logger = obslog.Get("mongosource")

// Config describes one replication source connection.
type Config struct {
	GroupID      string
	ConnectionID string
	URI          string
	Database     string
	// Collections lists the source tables (collections) to watch, along
	// with their replica identity columns (here: the bson field names
	// that make up the document's effective primary key, typically
	// just "_id").
	Collections []CollectionConfig
	// ResumeToken, if non-nil, restarts the change stream after a prior
	// disconnect rather than from the current point in time.
	ResumeToken bson.Raw
}

type CollectionConfig struct {
	Schema           string
	Name             string
	ReplicaIDColumns []string
}

// Source adapts a MongoDB change stream to replication.SourceAdapter.
type Source struct {
	cfg   Config
	clock clock.Clock

	session *mgo.Session
	tomb    tomb.Tomb

	events chan replication.Event
	errs   chan error
}

// Dial connects to the source deployment. The caller owns the returned
// Source's lifetime via Events/Close.
func Dial(uri string, clk clock.Clock, cfg Config) (*Source, error) {
	session, err := mgo.Dial(uri)
	if err != nil {
		return nil, errors.Annotate(err, "dialing mongo source")
	}
	session.SetMode(mgo.Monotonic, true)
	return &Source{
		cfg:     cfg,
		clock:   clk,
		session: session,
		events:  make(chan replication.Event, 256),
		errs:    make(chan error, 1),
	}, nil
}

// Events implements replication.SourceAdapter.
func (s *Source) Events(ctx context.Context) (<-chan replication.Event, <-chan error) {
	s.tomb.Go(func() error {
		return s.run(ctx)
	})
	go func() {
		<-s.tomb.Dying()
		if err := s.tomb.Err(); err != nil && err != tomb.ErrStillAlive {
			select {
			case s.errs <- err:
			default:
			}
		}
		close(s.events)
		close(s.errs)
		s.session.Close()
	}()
	return s.events, s.errs
}

// Close tears the change stream down and waits for the run loop to exit.
func (s *Source) Close() error {
	s.tomb.Kill(nil)
	return s.tomb.Wait()
}

func (s *Source) run(ctx context.Context) error {
	for _, coll := range s.cfg.Collections {
		coll := coll
		s.tomb.Go(func() error {
			return s.watchCollection(ctx, coll)
		})
	}
	select {
	case <-ctx.Done():
		s.tomb.Kill(ctx.Err())
	case <-s.tomb.Dying():
	}
	return tomb.ErrDying
}

// watchCollection opens a $changeStream aggregation on one collection and
// translates each change document into a replication.Record, followed by
// a keepalive Control using the change's cluster time as a synthetic LSN.
func (s *Source) watchCollection(ctx context.Context, coll CollectionConfig) error {
	sess := s.session.Copy()
	defer sess.Close()

	db := sess.DB(s.cfg.Database)
	streamOpts := bson.M{"fullDocument": "updateLookup"}
	if s.cfg.ResumeToken != nil {
		streamOpts["resumeAfter"] = s.cfg.ResumeToken
	}
	pipeline := []bson.M{
		{"$changeStream": streamOpts},
		{"$match": bson.M{"ns.coll": coll.Name}},
	}
	iter := db.C(coll.Name).Pipe(pipeline).Iter()
	defer iter.Close()

	table := replication.SourceTableID{
		GroupID: s.cfg.GroupID, ConnectionID: s.cfg.ConnectionID,
		RelationID: fmt.Sprintf("%s.%s", coll.Schema, coll.Name),
		Schema: coll.Schema, Name: coll.Name,
	}

	var change bson.M
	for iter.Next(&change) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.tomb.Dying():
			return tomb.ErrDying
		default:
		}

		rec, lsn, err := translateChange(table, coll.ReplicaIDColumns, change)
		if err != nil {
			logger.Warningf("dropping unreadable change event on %s: %v", coll.Name, err)
			continue
		}
		if rec != nil {
			if err := s.emit(ctx, replication.Event{Record: rec}); err != nil {
				return err
			}
		}
		if err := s.emit(ctx, replication.Event{Control: &replication.Control{Kind: replication.ControlKeepalive, LSN: lsn}}); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return errors.Annotatef(err, "change stream on %s", coll.Name)
	}
	return nil
}

func (s *Source) emit(ctx context.Context, ev replication.Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.tomb.Dying():
		return tomb.ErrDying
	}
}

func translateChange(table replication.SourceTableID, replicaCols []string, change bson.M) (*replication.Record, string, error) {
	opType, _ := change["operationType"].(string)
	clusterTime, _ := change["clusterTime"].(bson.MongoTimestamp)
	lsn := fmt.Sprintf("%d", int64(clusterTime))

	docKey, _ := change["documentKey"].(bson.M)
	before := map[string]any{}
	for _, c := range replicaCols {
		before[c] = docKey[c]
	}

	switch opType {
	case "insert", "update", "replace":
		full, _ := change["fullDocument"].(bson.M)
		if full == nil {
			return nil, lsn, errors.Errorf("%s change missing fullDocument (enable full document lookup)", opType)
		}
		after := map[string]any(full)
		tag := replication.TagInsert
		if opType != "insert" {
			tag = replication.TagUpdate
		}
		return &replication.Record{Tag: tag, Table: table, ReplicaIDColumns: replicaCols, Before: before, After: after}, lsn, nil
	case "delete":
		return &replication.Record{Tag: replication.TagDelete, Table: table, ReplicaIDColumns: replicaCols, Before: before}, lsn, nil
	case "invalidate", "drop", "dropDatabase":
		return &replication.Record{Tag: replication.TagTruncate, Table: table}, lsn, nil
	default:
		return nil, lsn, nil
	}
}
