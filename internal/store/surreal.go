package store

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/cast"
	"github.com/surrealdb/surrealdb.go"

	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/config"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/model"
	"github.com/andrewrbrady/motive-archive-manager-sub001/internal/query"
)

// SurrealStore keeps images, cars and delivery metadata in SurrealDB tables
// named after the logical collections. Identifiers are the record id part;
// references are stored as lowercase hex strings.
type SurrealStore struct {
	db        *surrealdb.DB
	namespace string
	database  string
}

func NewSurrealStore(ctx context.Context, cfg config.SurrealDBConfig) (*SurrealStore, error) {
	db, err := surrealdb.New(cfg.URL)
	if err != nil {
		return nil, connectError("surrealdb", err)
	}

	if cfg.Username != "" {
		_, err = db.SignIn(ctx, map[string]interface{}{
			"user": cfg.Username,
			"pass": cfg.Password,
		})
		if err != nil {
			_ = db.Close(context.Background())
			return nil, connectError("surrealdb", fmt.Errorf("failed to sign in: %w", err))
		}
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = db.Close(context.Background())
		return nil, connectError("surrealdb", fmt.Errorf("failed to use namespace/database: %w", err))
	}

	return &SurrealStore{
		db:        db,
		namespace: cfg.Namespace,
		database:  cfg.Database,
	}, nil
}

func (s *SurrealStore) Backend() string { return "surrealdb" }

func (s *SurrealStore) Ping(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, s.db, "RETURN true", nil); err != nil {
		return connectError("surrealdb", err)
	}
	return nil
}

func (s *SurrealStore) Close(ctx context.Context) error {
	return s.db.Close(ctx)
}

func (s *SurrealStore) selectRows(ctx context.Context, sql string, vars map[string]any) ([]model.Document, error) {
	results, err := surrealdb.Query[[]map[string]any](ctx, s.db, sql, vars)
	if err != nil {
		return nil, err
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	rows := (*results)[0].Result
	out := make([]model.Document, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromSurreal(row))
	}
	return out, nil
}

func (s *SurrealStore) FindImages(ctx context.Context, pred query.Predicate, opts FindOptions) ([]model.Image, error) {
	var out []model.Image
	err := s.EachImage(ctx, pred, opts, func(img model.Image) error {
		out = append(out, img)
		return nil
	})
	return out, err
}

func (s *SurrealStore) EachImage(ctx context.Context, pred query.Predicate, opts FindOptions, fn func(model.Image) error) error {
	where, vars := RenderSurreal(pred)
	sql := fmt.Sprintf("SELECT *, meta::id(id) AS _id FROM %s WHERE %s", CollectionImages, where)
	if order := surrealOrder(opts.Sort); order != "" {
		sql += " ORDER BY " + order
	}
	if opts.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	docs, err := s.selectRows(ctx, sql, vars)
	if err != nil {
		return fmt.Errorf("failed to query images: %w", err)
	}
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(model.ImageFromDocument(doc)); err != nil {
			return err
		}
	}
	return nil
}

func (s *SurrealStore) CountImages(ctx context.Context, pred query.Predicate) (int64, error) {
	where, vars := RenderSurreal(pred)
	sql := fmt.Sprintf("SELECT count() AS n FROM %s WHERE %s GROUP ALL", CollectionImages, where)
	results, err := surrealdb.Query[[]map[string]any](ctx, s.db, sql, vars)
	if err != nil {
		return 0, fmt.Errorf("failed to count images: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return 0, nil
	}
	return cast.ToInt64((*results)[0].Result[0]["n"]), nil
}

func (s *SurrealStore) getOne(ctx context.Context, table string, id model.Ref) (model.Document, error) {
	sql := fmt.Sprintf("SELECT *, meta::id(id) AS _id FROM %s WHERE meta::id(id) = $id", table)
	docs, err := s.selectRows(ctx, sql, map[string]any{"id": string(id)})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

func (s *SurrealStore) GetImage(ctx context.Context, id model.Ref) (model.Image, error) {
	doc, err := s.getOne(ctx, CollectionImages, id)
	if err != nil {
		return model.Image{}, fmt.Errorf("failed to get image %s: %w", id, err)
	}
	return model.ImageFromDocument(doc), nil
}

func (s *SurrealStore) UpdateImage(ctx context.Context, id model.Ref, update Update) error {
	if update.Empty() {
		return nil
	}
	vars := map[string]any{"id": string(id)}
	var assigns []string

	paths := make([]string, 0, len(update.Set))
	for path := range update.Set {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for i, path := range paths {
		if !validSurrealPath(path) {
			return fmt.Errorf("invalid field path %q", path)
		}
		name := fmt.Sprintf("s%d", i)
		vars[name] = toSurreal(update.Set[path])
		assigns = append(assigns, fmt.Sprintf("%s = $%s", path, name))
	}
	for _, path := range update.Unset {
		if !validSurrealPath(path) {
			return fmt.Errorf("invalid field path %q", path)
		}
		assigns = append(assigns, path+" = NONE")
	}

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE meta::id(id) = $id RETURN meta::id(id) AS _id",
		CollectionImages, strings.Join(assigns, ", "))
	docs, err := s.selectRows(ctx, sql, vars)
	if err != nil {
		return fmt.Errorf("failed to update image %s: %w", id, err)
	}
	if len(docs) == 0 {
		return fmt.Errorf("image %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SurrealStore) DeleteImages(ctx context.Context, ids []model.Ref) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	values := make([]string, len(ids))
	for i, id := range ids {
		values[i] = string(id)
	}
	sql := fmt.Sprintf("DELETE %s WHERE meta::id(id) IN $ids RETURN BEFORE", CollectionImages)
	docs, err := s.selectRows(ctx, sql, map[string]any{"ids": values})
	if err != nil {
		return 0, fmt.Errorf("failed to delete images: %w", err)
	}
	return int64(len(docs)), nil
}

func (s *SurrealStore) GetCar(ctx context.Context, id model.Ref) (model.Car, error) {
	doc, err := s.getOne(ctx, CollectionCars, id)
	if err != nil {
		return model.Car{}, fmt.Errorf("failed to get car %s: %w", id, err)
	}
	return model.CarFromDocument(doc), nil
}

func (s *SurrealStore) ListCars(ctx context.Context) ([]model.Car, error) {
	docs, err := s.selectRows(ctx, fmt.Sprintf("SELECT *, meta::id(id) AS _id FROM %s", CollectionCars), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query cars: %w", err)
	}
	out := make([]model.Car, 0, len(docs))
	for _, doc := range docs {
		out = append(out, model.CarFromDocument(doc))
	}
	return out, nil
}

func (s *SurrealStore) HasDeliveryMetadata(ctx context.Context, assetID string) (bool, error) {
	sql := fmt.Sprintf("SELECT imageId FROM %s WHERE imageId = $id LIMIT 1", CollectionImageMetadata)
	docs, err := s.selectRows(ctx, sql, map[string]any{"id": assetID})
	if err != nil {
		return false, fmt.Errorf("failed to look up metadata for %s: %w", assetID, err)
	}
	return len(docs) > 0, nil
}

func (s *SurrealStore) InsertDeliveryMetadata(ctx context.Context, md model.DeliveryMetadata) error {
	sql := fmt.Sprintf("CREATE %s CONTENT $doc", CollectionImageMetadata)
	if _, err := surrealdb.Query[any](ctx, s.db, sql, map[string]any{"doc": toSurreal(md.Document())}); err != nil {
		return fmt.Errorf("failed to store metadata for %s: %w", md.AssetID, err)
	}
	return nil
}

// EnsureIndex declares the index with DEFINE INDEX. SurrealDB indexes have no
// direction or sparse option, so only the field list is compared.
func (s *SurrealStore) EnsureIndex(ctx context.Context, spec IndexSpec) (IndexOutcome, error) {
	fields := make([]string, len(spec.Keys))
	for i, k := range spec.Keys {
		if !validSurrealPath(k.Field) {
			return "", fmt.Errorf("invalid index field %q", k.Field)
		}
		fields[i] = k.Field
	}
	if !validSurrealPath(spec.Name) || !validSurrealPath(spec.Collection) {
		return "", fmt.Errorf("invalid index name %s.%s", spec.Collection, spec.Name)
	}
	fieldList := strings.Join(fields, ", ")

	defs, err := s.indexDefinitions(ctx, spec.Collection)
	if err != nil {
		return "", err
	}
	for _, def := range defs {
		if definesFields(def, fieldList) {
			return IndexExists, nil
		}
	}
	if def, ok := defs[spec.Name]; ok {
		return IndexConflict, &IndexConflictError{Spec: spec, Reason: "existing definition " + def}
	}

	sql := fmt.Sprintf("DEFINE INDEX %s ON TABLE %s FIELDS %s", spec.Name, spec.Collection, fieldList)
	if _, err := surrealdb.Query[any](ctx, s.db, sql, nil); err != nil {
		if isBenignDefineError(err) {
			return IndexExists, nil
		}
		return "", fmt.Errorf("failed to define index %s: %w", spec.Name, err)
	}
	return IndexCreated, nil
}

// indexDefinitions returns the DEFINE INDEX statements on table, by name.
func (s *SurrealStore) indexDefinitions(ctx context.Context, table string) (map[string]string, error) {
	results, err := surrealdb.Query[map[string]any](ctx, s.db, "INFO FOR TABLE "+table, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read indexes on %s: %w", table, err)
	}
	defs := make(map[string]string)
	if results == nil || len(*results) == 0 {
		return defs, nil
	}
	indexes, _ := asDocumentMap((*results)[0].Result["indexes"])
	for name, def := range indexes {
		defs[name] = cast.ToString(def)
	}
	return defs, nil
}

// definesFields reports whether def indexes exactly fieldList.
func definesFields(def, fieldList string) bool {
	marker := "FIELDS " + fieldList
	i := strings.Index(def, marker)
	if i < 0 {
		return false
	}
	rest := def[i+len(marker):]
	return rest == "" || rest[0] == ' ' || rest[0] == ';'
}

// isBenignDefineError reports errors meaning the definition is already in place.
func isBenignDefineError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "already defined") ||
		strings.Contains(msg, "duplicate index")
}

var surrealPathRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

func validSurrealPath(path string) bool { return surrealPathRE.MatchString(path) }

func surrealOrder(keys []SortKey) string {
	var parts []string
	for _, k := range keys {
		if !validSurrealPath(k.Path) {
			continue
		}
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		parts = append(parts, k.Path+" "+dir)
	}
	return strings.Join(parts, ", ")
}

type surrealRenderer struct {
	vars map[string]any
}

func (r *surrealRenderer) bind(v any) string {
	name := fmt.Sprintf("p%d", len(r.vars))
	r.vars[name] = v
	return "$" + name
}

// RenderSurreal renders a predicate as a SurrealQL condition with bound
// parameters. Paths are emitted as written; invalid paths render as false.
func RenderSurreal(p query.Predicate) (string, map[string]any) {
	r := &surrealRenderer{vars: map[string]any{}}
	return r.render(p), r.vars
}

func (r *surrealRenderer) field(path string) (string, bool) {
	if path == model.PathID {
		return "meta::id(id)", true
	}
	if !validSurrealPath(path) {
		return "", false
	}
	return path, true
}

func (r *surrealRenderer) render(p query.Predicate) string {
	switch t := p.(type) {
	case nil, query.All:
		return "true"
	case query.None:
		return "false"
	case query.And:
		return r.join(t, " AND ", "true")
	case query.Or:
		return r.join(t, " OR ", "false")
	case query.Not:
		return "!(" + r.render(t.P) + ")"
	case query.Equals:
		f, ok := r.field(t.Path)
		if !ok {
			return "false"
		}
		if t.FoldCase {
			return fmt.Sprintf("(type::is::string(%s) AND string::lowercase(%s) = %s)", f, f, r.bind(strings.ToLower(t.Value)))
		}
		return fmt.Sprintf("%s = %s", f, r.bind(t.Value))
	case query.RefEquals:
		f, ok := r.field(t.Path)
		if !ok {
			return "false"
		}
		return fmt.Sprintf("(type::is::string(%s) AND string::lowercase(string::trim(%s)) = %s)",
			f, f, r.bind(strings.ToLower(string(t.ID))))
	case query.Exists:
		f, ok := r.field(t.Path)
		if !ok {
			return "false"
		}
		return fmt.Sprintf("(%s != NONE AND %s != NULL AND %s != '' AND %s != {})", f, f, f, f)
	case query.Contains:
		f, ok := r.field(t.Path)
		if !ok {
			return "false"
		}
		return fmt.Sprintf("(type::is::string(%s) AND string::contains(string::lowercase(%s), %s))",
			f, f, r.bind(strings.ToLower(t.Text)))
	case query.In:
		f, ok := r.field(t.Path)
		if !ok {
			return "false"
		}
		return fmt.Sprintf("%s IN %s", f, r.bind(append([]string(nil), t.Values...)))
	case query.IsString:
		f, ok := r.field(t.Path)
		if !ok {
			return "false"
		}
		// Canonical references are lowercase hex strings here, so only
		// non-canonical strings count as legacy.
		return fmt.Sprintf("(type::is::string(%s) AND !(string::len(%s) = 24 AND string::is::hexadecimal(%s) AND %s = string::lowercase(%s)))",
			f, f, f, f, f)
	}
	return "false"
}

func (r *surrealRenderer) join(ps []query.Predicate, sep, empty string) string {
	if len(ps) == 0 {
		return empty
	}
	parts := make([]string, len(ps))
	for i, c := range ps {
		parts[i] = "(" + r.render(c) + ")"
	}
	return strings.Join(parts, sep)
}

// fromSurreal converts a decoded row into a model document. The record id is
// replaced by its id part under _id; canonical carId strings become Refs.
func fromSurreal(row map[string]any) model.Document {
	doc, _ := convertFromSurreal(row).(model.Document)
	if doc == nil {
		doc = model.Document{}
	}
	delete(doc, "id")
	if id, ok := doc[model.PathID].(string); ok {
		doc[model.PathID] = model.Ref(id)
	}
	if carID, ok := doc[model.PathCarID].(string); ok && model.IsValidRef(carID) && carID == strings.ToLower(carID) {
		doc[model.PathCarID] = model.Ref(carID)
	}
	return doc
}

func convertFromSurreal(v any) any {
	if m, ok := asDocumentMap(v); ok {
		out := make(model.Document, len(m))
		for k, val := range m {
			out[k] = convertFromSurreal(val)
		}
		return out
	}
	if list, ok := v.([]any); ok {
		out := make([]any, len(list))
		for i, val := range list {
			out[i] = convertFromSurreal(val)
		}
		return out
	}
	return v
}

func asDocumentMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case model.Document:
		return t, true
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[cast.ToString(k)] = val
		}
		return out, true
	}
	return nil, false
}

func toSurreal(v any) any {
	switch t := v.(type) {
	case model.Document:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = toSurreal(val)
		}
		return out
	case map[string]any:
		return toSurreal(model.Document(t))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = toSurreal(val)
		}
		return out
	case model.Ref:
		return strings.ToLower(string(t))
	}
	return v
}
