package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/config"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/query"
)

// Server error codes returned when an index name or key pattern is already
// taken by a different definition.
const (
	codeIndexOptionsConflict  = 85
	codeIndexKeySpecsConflict = 86
)

type MongoStore struct {
	client      *mongo.Client
	db          *mongo.Database
	collections map[string]string
}

func NewMongoStore(ctx context.Context, cfg config.MongoDBConfig) (*MongoStore, error) {
	timeout := time.Duration(cfg.ConnectTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(timeout).
		SetServerSelectionTimeout(timeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, connectError("mongodb", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, connectError("mongodb", err)
	}

	return &MongoStore{
		client: client,
		db:     client.Database(cfg.Database),
		collections: map[string]string{
			CollectionImages:        orDefault(cfg.ImagesCollection, CollectionImages),
			CollectionCars:          orDefault(cfg.CarsCollection, CollectionCars),
			CollectionImageMetadata: orDefault(cfg.ImageMetadataCollection, CollectionImageMetadata),
		},
	}, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (s *MongoStore) Backend() string { return "mongodb" }

func (s *MongoStore) coll(logical string) *mongo.Collection {
	return s.db.Collection(orDefault(s.collections[logical], logical))
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return connectError("mongodb", err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func findOptions(opts FindOptions) *options.FindOptions {
	fo := options.Find()
	if opts.Limit > 0 {
		fo.SetLimit(opts.Limit)
	}
	if len(opts.Sort) > 0 {
		sort := bson.D{}
		for _, k := range opts.Sort {
			dir := 1
			if k.Desc {
				dir = -1
			}
			sort = append(sort, bson.E{Key: k.Path, Value: dir})
		}
		fo.SetSort(sort)
	}
	return fo
}

func (s *MongoStore) FindImages(ctx context.Context, pred query.Predicate, opts FindOptions) ([]model.Image, error) {
	var out []model.Image
	err := s.EachImage(ctx, pred, opts, func(img model.Image) error {
		out = append(out, img)
		return nil
	})
	return out, err
}

func (s *MongoStore) EachImage(ctx context.Context, pred query.Predicate, opts FindOptions, fn func(model.Image) error) error {
	cursor, err := s.coll(CollectionImages).Find(ctx, RenderMongo(pred), findOptions(opts))
	if err != nil {
		return fmt.Errorf("failed to query images: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return fmt.Errorf("failed to decode image: %w", err)
		}
		if err := fn(model.ImageFromDocument(fromBSON(raw))); err != nil {
			return err
		}
	}
	if err := cursor.Err(); err != nil {
		return fmt.Errorf("failed to iterate images: %w", err)
	}
	return nil
}

func (s *MongoStore) CountImages(ctx context.Context, pred query.Predicate) (int64, error) {
	n, err := s.coll(CollectionImages).CountDocuments(ctx, RenderMongo(pred))
	if err != nil {
		return 0, fmt.Errorf("failed to count images: %w", err)
	}
	return n, nil
}

func (s *MongoStore) GetImage(ctx context.Context, id model.Ref) (model.Image, error) {
	var raw bson.M
	err := s.coll(CollectionImages).FindOne(ctx, bson.M{"_id": idValue(id)}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Image{}, fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Image{}, fmt.Errorf("failed to get image %s: %w", id, err)
	}
	return model.ImageFromDocument(fromBSON(raw)), nil
}

func (s *MongoStore) UpdateImage(ctx context.Context, id model.Ref, update Update) error {
	if update.Empty() {
		return nil
	}
	doc := bson.M{}
	if len(update.Set) > 0 {
		set := bson.M{}
		for path, value := range update.Set {
			set[path] = toBSON(value)
		}
		doc["$set"] = set
	}
	if len(update.Unset) > 0 {
		unset := bson.M{}
		for _, path := range update.Unset {
			unset[path] = ""
		}
		doc["$unset"] = unset
	}

	res, err := s.coll(CollectionImages).UpdateOne(ctx, bson.M{"_id": idValue(id)}, doc)
	if err != nil {
		return fmt.Errorf("failed to update image %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *MongoStore) DeleteImages(ctx context.Context, ids []model.Ref) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	values := make(bson.A, 0, len(ids))
	for _, id := range ids {
		values = append(values, idValue(id))
	}
	res, err := s.coll(CollectionImages).DeleteMany(ctx, bson.M{"_id": bson.M{"$in": values}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete images: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) GetCar(ctx context.Context, id model.Ref) (model.Car, error) {
	var raw bson.M
	err := s.coll(CollectionCars).FindOne(ctx, bson.M{"_id": idValue(id)}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.Car{}, fmt.Errorf("car %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Car{}, fmt.Errorf("failed to get car %s: %w", id, err)
	}
	return model.CarFromDocument(fromBSON(raw)), nil
}

func (s *MongoStore) ListCars(ctx context.Context) ([]model.Car, error) {
	cursor, err := s.coll(CollectionCars).Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to query cars: %w", err)
	}
	defer cursor.Close(ctx)

	var out []model.Car
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to decode car: %w", err)
		}
		out = append(out, model.CarFromDocument(fromBSON(raw)))
	}
	return out, cursor.Err()
}

func (s *MongoStore) HasDeliveryMetadata(ctx context.Context, assetID string) (bool, error) {
	n, err := s.coll(CollectionImageMetadata).CountDocuments(ctx, bson.M{"imageId": assetID}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to look up metadata for %s: %w", assetID, err)
	}
	return n > 0, nil
}

func (s *MongoStore) InsertDeliveryMetadata(ctx context.Context, md model.DeliveryMetadata) error {
	if _, err := s.coll(CollectionImageMetadata).InsertOne(ctx, toBSON(md.Document())); err != nil {
		return fmt.Errorf("failed to store metadata for %s: %w", md.AssetID, err)
	}
	return nil
}

type mongoIndex struct {
	Name   string `bson:"name"`
	Key    bson.D `bson:"key"`
	Sparse bool   `bson:"sparse"`
}

func (s *MongoStore) EnsureIndex(ctx context.Context, spec IndexSpec) (IndexOutcome, error) {
	coll := s.coll(spec.Collection)

	cursor, err := coll.Indexes().List(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list indexes on %s: %w", spec.Collection, err)
	}
	var existing []mongoIndex
	if err := cursor.All(ctx, &existing); err != nil {
		return "", fmt.Errorf("failed to decode indexes on %s: %w", spec.Collection, err)
	}
	// The key pattern decides, not the name: Mongo refuses a second index
	// over the same keys under another name.
	for _, idx := range existing {
		if indexKeysFromBSON(idx.Key, idx.Name).SameKeys(spec) && idx.Sparse == spec.Sparse {
			return IndexExists, nil
		}
	}
	for _, idx := range existing {
		if idx.Name != spec.Name {
			continue
		}
		return IndexConflict, &IndexConflictError{Spec: spec, Reason: "different key pattern or options"}
	}

	keys := bson.D{}
	for _, k := range spec.Keys {
		dir := 1
		if k.Desc {
			dir = -1
		}
		keys = append(keys, bson.E{Key: k.Field, Value: dir})
	}
	im := mongo.IndexModel{
		Keys:    keys,
		Options: options.Index().SetName(spec.Name).SetSparse(spec.Sparse),
	}
	if _, err := coll.Indexes().CreateOne(ctx, im); err != nil {
		var se mongo.ServerError
		if errors.As(err, &se) && (se.HasErrorCode(codeIndexOptionsConflict) || se.HasErrorCode(codeIndexKeySpecsConflict)) {
			return IndexConflict, &IndexConflictError{Spec: spec, Reason: err.Error()}
		}
		return "", fmt.Errorf("failed to create index %s: %w", spec.Name, err)
	}
	return IndexCreated, nil
}

func indexKeysFromBSON(key bson.D, name string) IndexSpec {
	spec := IndexSpec{Name: name}
	for _, e := range key {
		desc := false
		switch v := e.Value.(type) {
		case int32:
			desc = v < 0
		case int64:
			desc = v < 0
		case float64:
			desc = v < 0
		}
		spec.Keys = append(spec.Keys, IndexKey{Field: e.Key, Desc: desc})
	}
	return spec
}

// RenderMongo renders a predicate as a MongoDB filter document.
func RenderMongo(p query.Predicate) bson.M {
	switch t := p.(type) {
	case nil, query.All:
		return bson.M{}
	case query.None:
		return bson.M{"_id": bson.M{"$in": bson.A{}}}
	case query.And:
		if len(t) == 0 {
			return bson.M{}
		}
		parts := make(bson.A, 0, len(t))
		for _, c := range t {
			parts = append(parts, RenderMongo(c))
		}
		return bson.M{"$and": parts}
	case query.Or:
		if len(t) == 0 {
			return RenderMongo(query.None{})
		}
		parts := make(bson.A, 0, len(t))
		for _, c := range t {
			parts = append(parts, RenderMongo(c))
		}
		return bson.M{"$or": parts}
	case query.Not:
		return bson.M{"$nor": bson.A{RenderMongo(t.P)}}
	case query.Equals:
		if t.FoldCase {
			return bson.M{t.Path: primitive.Regex{Pattern: "^" + regexp.QuoteMeta(t.Value) + "$", Options: "i"}}
		}
		return bson.M{t.Path: t.Value}
	case query.RefEquals:
		// Legacy documents store the id as a string, possibly padded or upper-cased.
		legacy := primitive.Regex{Pattern: `^\s*` + regexp.QuoteMeta(string(t.ID)) + `\s*$`, Options: "i"}
		if oid, err := primitive.ObjectIDFromHex(strings.ToLower(string(t.ID))); err == nil {
			return bson.M{t.Path: bson.M{"$in": bson.A{oid, legacy}}}
		}
		return bson.M{t.Path: bson.M{"$in": bson.A{legacy}}}
	case query.Exists:
		return bson.M{t.Path: bson.M{
			"$exists": true,
			"$nin":    bson.A{nil, bson.M{}, primitive.Regex{Pattern: `^\s*$`}},
		}}
	case query.Contains:
		return bson.M{t.Path: primitive.Regex{Pattern: regexp.QuoteMeta(t.Text), Options: "i"}}
	case query.In:
		values := make(bson.A, 0, len(t.Values))
		for _, v := range t.Values {
			values = append(values, v)
		}
		return bson.M{t.Path: bson.M{"$in": values}}
	case query.IsString:
		return bson.M{t.Path: bson.M{"$type": "string"}}
	}
	return RenderMongo(query.None{})
}

func idValue(id model.Ref) any {
	if oid, err := primitive.ObjectIDFromHex(string(id)); err == nil {
		return oid
	}
	return string(id)
}

// fromBSON converts driver values into model values: documents become
// model.Document, object ids become model.Ref.
func fromBSON(v any) model.Document {
	doc, _ := convertFromBSON(v).(model.Document)
	if doc == nil {
		doc = model.Document{}
	}
	return doc
}

func convertFromBSON(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(model.Document, len(t))
		for k, val := range t {
			out[k] = convertFromBSON(val)
		}
		return out
	case map[string]any:
		return convertFromBSON(bson.M(t))
	case bson.D:
		out := make(model.Document, len(t))
		for _, e := range t {
			out[e.Key] = convertFromBSON(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = convertFromBSON(val)
		}
		return out
	case []any:
		return convertFromBSON(bson.A(t))
	case primitive.ObjectID:
		return model.Ref(t.Hex())
	case primitive.DateTime:
		return t.Time().UTC()
	}
	return v
}

// toBSON is the inverse of convertFromBSON. Refs that are not valid object
// ids are written as strings.
func toBSON(v any) any {
	switch t := v.(type) {
	case model.Document:
		out := make(bson.M, len(t))
		for k, val := range t {
			out[k] = toBSON(val)
		}
		return out
	case map[string]any:
		return toBSON(model.Document(t))
	case []any:
		out := make(bson.A, len(t))
		for i, val := range t {
			out[i] = toBSON(val)
		}
		return out
	case model.Ref:
		return idValue(t)
	}
	return v
}
