package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nhle/taskbot/internal/model"
)

// Collection names used by MongoStore.
const (
	mongoUsers  = "users"
	mongoTasks  = "tasks"
	mongoEvents = "events"
)

// MongoStore implements Store on MongoDB, one collection per record kind.
// Replace runs inside a multi-document transaction, so the server must be
// a replica set member.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongoStore connects to uri and verifies the connection.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	return &MongoStore{client: client, db: client.Database(database)}, nil
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Users loads the whole user collection ordered by id.
func (s *MongoStore) Users(ctx context.Context) ([]model.User, error) {
	var users []model.User
	if err := s.findAll(ctx, mongoUsers, "user_id", &users); err != nil {
		return nil, err
	}
	return users, nil
}

// Tasks loads the whole task collection ordered by id.
func (s *MongoStore) Tasks(ctx context.Context) ([]model.Task, error) {
	var tasks []model.Task
	if err := s.findAll(ctx, mongoTasks, "id", &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Events loads the whole event collection ordered by id.
func (s *MongoStore) Events(ctx context.Context) ([]model.Event, error) {
	var events []model.Event
	if err := s.findAll(ctx, mongoEvents, "id", &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *MongoStore) findAll(ctx context.Context, name, sortKey string, out interface{}) error {
	opts := options.Find().SetSort(bson.D{{Key: sortKey, Value: 1}})
	cursor, err := s.db.Collection(name).Find(ctx, bson.D{}, opts)
	if err != nil {
		return fmt.Errorf("querying %s: %w", name, err)
	}
	if err := cursor.All(ctx, out); err != nil {
		return fmt.Errorf("decoding %s: %w", name, err)
	}
	return nil
}

// Replace rewrites the selected collections inside one transaction.
func (s *MongoStore) Replace(ctx context.Context, snap *Snapshot, which Collection) error {
	if which == 0 {
		return nil
	}

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("starting mongo session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		if which.Has(CollectionUsers) {
			docs := make([]interface{}, 0, len(snap.Users))
			for _, u := range snap.Users {
				docs = append(docs, u)
			}
			if err := s.replaceAll(sc, mongoUsers, docs); err != nil {
				return nil, err
			}
		}
		if which.Has(CollectionTasks) {
			docs := make([]interface{}, 0, len(snap.Tasks))
			for _, t := range snap.Tasks {
				docs = append(docs, t)
			}
			if err := s.replaceAll(sc, mongoTasks, docs); err != nil {
				return nil, err
			}
		}
		if which.Has(CollectionEvents) {
			docs := make([]interface{}, 0, len(snap.Events))
			for _, e := range snap.Events {
				docs = append(docs, e)
			}
			if err := s.replaceAll(sc, mongoEvents, docs); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("replacing collections: %w", err)
	}
	return nil
}

func (s *MongoStore) replaceAll(ctx context.Context, name string, docs []interface{}) error {
	coll := s.db.Collection(name)
	if _, err := coll.DeleteMany(ctx, bson.D{}); err != nil {
		return fmt.Errorf("clearing %s: %w", name, err)
	}
	if len(docs) == 0 {
		return nil
	}
	if _, err := coll.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("inserting %s: %w", name, err)
	}
	return nil
}
