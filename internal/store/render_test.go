package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/config"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/query"
)

func configWithBackend(backend string) config.DatabaseConfig {
	cfg := config.DefaultConfig().Database
	cfg.Backend = backend
	return cfg
}

func TestRenderMongoFoldCaseEquality(t *testing.T) {
	got := RenderMongo(query.Equals{Path: "metadata.angle", Value: "front 3/4", FoldCase: true})
	re, ok := got["metadata.angle"].(primitive.Regex)
	require.True(t, ok)
	assert.Equal(t, `^front 3/4$`, re.Pattern)
	assert.Equal(t, "i", re.Options)

	got = RenderMongo(query.Equals{Path: "metadata.angle", Value: "a.b", FoldCase: true})
	assert.Equal(t, `^a\.b$`, got["metadata.angle"].(primitive.Regex).Pattern)
}

func TestRenderMongoRefScope(t *testing.T) {
	got := RenderMongo(query.RefEquals{Path: "carId", ID: carA})
	in := got["carId"].(bson.M)["$in"].(bson.A)
	require.Len(t, in, 2)
	oid, ok := in[0].(primitive.ObjectID)
	require.True(t, ok)
	assert.Equal(t, string(carA), oid.Hex())
	_, ok = in[1].(primitive.Regex)
	assert.True(t, ok)
}

func TestRenderMongoBooleanStructure(t *testing.T) {
	p := query.And{
		query.Or{query.Exists{Path: "metadata.angle"}, query.Exists{Path: "metadata.view"}},
		query.Not{P: query.IsString{Path: "carId"}},
	}
	got := RenderMongo(p)
	and, ok := got["$and"].(bson.A)
	require.True(t, ok)
	require.Len(t, and, 2)
	assert.Contains(t, and[0].(bson.M), "$or")
	assert.Contains(t, and[1].(bson.M), "$nor")

	assert.Equal(t, bson.M{}, RenderMongo(query.All{}))
	assert.Equal(t, bson.M{"_id": bson.M{"$in": bson.A{}}}, RenderMongo(query.None{}))
}

func TestBSONRoundTripConvertsIdentifiers(t *testing.T) {
	oid, err := primitive.ObjectIDFromHex(string(carA))
	require.NoError(t, err)
	raw := bson.M{
		"_id":   oid,
		"carId": oid,
		"metadata": bson.M{
			"originalImage": bson.D{{Key: "_id", Value: oid}},
			"tags":          bson.A{"a", "b"},
		},
	}

	doc := fromBSON(raw)
	assert.Equal(t, carA, doc["_id"])
	nested, ok := doc.Get("metadata.originalImage._id")
	require.True(t, ok)
	assert.Equal(t, carA, nested)

	back := toBSON(model.Document{"carId": carA, "legacy": model.Ref("not-hex")}).(bson.M)
	assert.Equal(t, oid, back["carId"])
	assert.Equal(t, "not-hex", back["legacy"])
}

func TestRenderSurrealBindsValues(t *testing.T) {
	sql, vars := RenderSurreal(query.And{
		query.RefEquals{Path: "carId", ID: carA},
		query.Equals{Path: "metadata.angle", Value: "Front", FoldCase: true},
	})
	assert.Contains(t, sql, "string::lowercase(metadata.angle) = $p1")
	assert.Contains(t, sql, " AND ")
	assert.Equal(t, string(carA), vars["p0"])
	assert.Equal(t, "front", vars["p1"])
}

func TestRenderSurrealRejectsUnsafePaths(t *testing.T) {
	sql, vars := RenderSurreal(query.Exists{Path: "metadata.angle; DELETE images"})
	assert.Equal(t, "false", sql)
	assert.Empty(t, vars)

	sql, _ = RenderSurreal(query.RefEquals{Path: model.PathID, ID: carA})
	assert.Contains(t, sql, "meta::id(id)")
}

func TestRenderSurrealConstants(t *testing.T) {
	sql, _ := RenderSurreal(query.All{})
	assert.Equal(t, "true", sql)
	sql, _ = RenderSurreal(query.None{})
	assert.Equal(t, "false", sql)
	sql, _ = RenderSurreal(query.Not{P: query.None{}})
	assert.Equal(t, "!(false)", sql)
}

func TestIsBenignDefineError(t *testing.T) {
	testCases := []struct {
		msg    string
		benign bool
	}{
		{"index 'carId_1' already exists", true},
		{"table 'images' already defined", true},
		{"Duplicate index: carId_1", true},
		{"permission denied to create table", false},
		{"syntax error at position 10", false},
	}
	for _, tc := range testCases {
		t.Run(tc.msg, func(t *testing.T) {
			assert.Equal(t, tc.benign, isBenignDefineError(stringError(tc.msg)))
		})
	}
}

type stringError string

func (e stringError) Error() string { return string(e) }

func TestFromSurrealNormalizesIdentifiers(t *testing.T) {
	doc := fromSurreal(map[string]any{
		"id":       "images:abc",
		"_id":      "64a000000000000000000001",
		"carId":    string(carA),
		"metadata": map[any]any{"angle": "front"},
	})
	assert.NotContains(t, doc, "id")
	assert.Equal(t, model.Ref("64a000000000000000000001"), doc["_id"])
	assert.Equal(t, carA, doc["carId"])
	v, ok := doc.Get("metadata.angle")
	require.True(t, ok)
	assert.Equal(t, "front", v)

	legacy := fromSurreal(map[string]any{"carId": " 64B000000000000000000001 "})
	assert.IsType(t, "", legacy["carId"])
}

func TestMongoIntegration(t *testing.T) {
	uri := os.Getenv("ARCHIVE_TEST_MONGODB_URI")
	if uri == "" {
		t.Skip("requires MongoDB instance (set ARCHIVE_TEST_MONGODB_URI)")
	}
	cfg := configWithBackend("mongodb")
	cfg.MongoDB.URI = uri
	cfg.MongoDB.Database = "archivectl_test"

	ctx := context.Background()
	s, err := NewStore(ctx, cfg)
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.Ping(ctx))
	_, err = s.CountImages(ctx, query.Scope(carA))
	require.NoError(t, err)
}

func TestSurrealIntegration(t *testing.T) {
	url := os.Getenv("ARCHIVE_TEST_SURREALDB_URL")
	if url == "" {
		t.Skip("requires SurrealDB instance (set ARCHIVE_TEST_SURREALDB_URL)")
	}
	cfg := configWithBackend("surrealdb")
	cfg.SurrealDB.URL = url
	cfg.SurrealDB.Namespace = "test"
	cfg.SurrealDB.Database = "test"

	ctx := context.Background()
	s, err := NewStore(ctx, cfg)
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.Ping(ctx))
	_, err = s.CountImages(ctx, query.Scope(carA))
	require.NoError(t, err)
}
