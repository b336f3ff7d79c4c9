package vision

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/spacerjobs/db"
	"github.com/teranos/spacerjobs/errors"
	"github.com/teranos/spacerjobs/spacer"
)

// ClassifierStatus tracks a classifier through training.
type ClassifierStatus string

const (
	ClassifierPending  ClassifierStatus = "PC"
	ClassifierError    ClassifierStatus = "ER"
	ClassifierRejected ClassifierStatus = "RJ"
	ClassifierAccepted ClassifierStatus = "AC"
)

// Source is a collection of images sharing a labelset and classifiers.
type Source struct {
	ID   int64
	Name string
	// FeatureExtractor is empty when machine classification is off.
	FeatureExtractor     string
	TrainsOwnClassifiers bool
	DeployedClassifierID *int64
}

// Image is one photo in a source.
type Image struct {
	ID        int64
	SourceID  int64
	Name      string
	Width     int
	Height    int
	Confirmed bool
}

// Pixels is the image's resolution.
func (i *Image) Pixels() int64 { return int64(i.Width) * int64(i.Height) }

// Features records the extraction state of an image.
type Features struct {
	ImageID       int64
	Extracted     bool
	Extractor     string
	HasRowCols    bool
	RuntimeTotal  *float64
	ExtractedDate *time.Time
}

// Point is an annotatable location on an image.
type Point struct {
	ID      int64
	ImageID int64
	Number  int
	Row     int
	Col     int
}

// RowCol returns the point's location.
func (p Point) RowCol() spacer.RowCol { return spacer.RowCol{Row: p.Row, Col: p.Col} }

// Classifier is one trained (or training) model of a source.
type Classifier struct {
	ID             int64
	SourceID       int64
	TrainJobID     *int64
	Status         ClassifierStatus
	Accuracy       *float64
	RuntimeTrain   *float64
	NbrTrainImages int
	CreateDate     time.Time
}

// APIPoint is a point requested through the deploy API.
type APIPoint struct {
	Row    int `json:"row"`
	Column int `json:"column"`
}

// APIRequest is the stored request of a deploy-API unit.
type APIRequest struct {
	ClassifierID int64      `json:"classifier_id"`
	URL          string     `json:"url"`
	Points       []APIPoint `json:"points"`
}

// APIJobUnit is one image of a deploy-API job. A unit keeps its internal
// job from being cleaned up.
type APIJobUnit struct {
	ID            int64
	ParentID      int64
	OrderInParent int
	InternalJobID *int64
	Request       APIRequest
	ResultJSON    *string
	Size          int
}

// Catalog reads and writes the vision tables the jobs act on.
type Catalog struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

// NewCatalog creates a catalog on conn.
func NewCatalog(conn *sql.DB, dialect db.Dialect, now func() time.Time) *Catalog {
	if now == nil {
		now = time.Now
	}
	return &Catalog{db: conn, dialect: dialect, now: now}
}

func (c *Catalog) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.From(ctx, c.db).ExecContext(ctx, c.dialect.Rebind(query), args...)
}

func (c *Catalog) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.From(ctx, c.db).QueryContext(ctx, c.dialect.Rebind(query), args...)
}

func (c *Catalog) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.From(ctx, c.db).QueryRowContext(ctx, c.dialect.Rebind(query), args...)
}

func (c *Catalog) insert(ctx context.Context, what, query string, args ...interface{}) (int64, error) {
	var id int64
	if err := c.queryRow(ctx, query+` RETURNING id`, args...).Scan(&id); err != nil {
		return 0, errors.Wrapf(err, "failed to create %s", what)
	}
	return id, nil
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError(format, args...)
	}
	return errors.Wrapf(err, "failed to get "+format, args...)
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

// Sources

// CreateSource saves src and sets its ID.
func (c *Catalog) CreateSource(ctx context.Context, src *Source) error {
	id, err := c.insert(ctx, "source", `INSERT INTO sources
		(name, feature_extractor, trains_own_classifiers, deployed_classifier_id) VALUES (?, ?, ?, ?)`,
		src.Name, sql.NullString{String: src.FeatureExtractor, Valid: src.FeatureExtractor != ""},
		src.TrainsOwnClassifiers, nullInt(src.DeployedClassifierID))
	src.ID = id
	return err
}

const sourceColumns = `id, name, feature_extractor, trains_own_classifiers, deployed_classifier_id`

func scanSource(row interface{ Scan(...interface{}) error }) (*Source, error) {
	var s Source
	var extractor sql.NullString
	var deployed sql.NullInt64
	if err := row.Scan(&s.ID, &s.Name, &extractor, &s.TrainsOwnClassifiers, &deployed); err != nil {
		return nil, err
	}
	s.FeatureExtractor = extractor.String
	s.DeployedClassifierID = intPtr(deployed)
	return &s, nil
}

// Source returns the source with id.
func (c *Catalog) Source(ctx context.Context, id int64) (*Source, error) {
	s, err := scanSource(c.queryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "source %d", id)
	}
	return s, nil
}

// Sources returns every source by id.
func (c *Catalog) Sources(ctx context.Context) ([]*Source, error) {
	rows, err := c.query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sources")
	}
	defer rows.Close()
	var out []*Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan source")
		}
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "error iterating sources")
}

// SetDeployedClassifier makes classifierID the source's classifier.
func (c *Catalog) SetDeployedClassifier(ctx context.Context, sourceID, classifierID int64) error {
	_, err := c.exec(ctx, `UPDATE sources SET deployed_classifier_id = ? WHERE id = ?`, classifierID, sourceID)
	return errors.Wrapf(err, "failed to deploy classifier %d", classifierID)
}

// SetFeatureExtractor changes the source's extractor.
func (c *Catalog) SetFeatureExtractor(ctx context.Context, sourceID int64, extractor string) error {
	_, err := c.exec(ctx, `UPDATE sources SET feature_extractor = ? WHERE id = ?`,
		sql.NullString{String: extractor, Valid: extractor != ""}, sourceID)
	return errors.Wrapf(err, "failed to set extractor of source %d", sourceID)
}

// Images

// CreateImage saves img and sets its ID.
func (c *Catalog) CreateImage(ctx context.Context, img *Image) error {
	id, err := c.insert(ctx, "image", `INSERT INTO images
		(source_id, name, width, height, confirmed) VALUES (?, ?, ?, ?, ?)`,
		img.SourceID, img.Name, img.Width, img.Height, img.Confirmed)
	img.ID = id
	return err
}

const imageColumns = `i.id, i.source_id, i.name, i.width, i.height, i.confirmed`

func scanImages(rows *sql.Rows) ([]*Image, error) {
	defer rows.Close()
	var out []*Image
	for rows.Next() {
		var img Image
		if err := rows.Scan(&img.ID, &img.SourceID, &img.Name, &img.Width, &img.Height, &img.Confirmed); err != nil {
			return nil, errors.Wrap(err, "failed to scan image")
		}
		out = append(out, &img)
	}
	return out, errors.Wrap(rows.Err(), "error iterating images")
}

// Image returns the image with id.
func (c *Catalog) Image(ctx context.Context, id int64) (*Image, error) {
	var img Image
	err := c.queryRow(ctx, `SELECT `+imageColumns+` FROM images i WHERE i.id = ?`, id).Scan(
		&img.ID, &img.SourceID, &img.Name, &img.Width, &img.Height, &img.Confirmed)
	if err != nil {
		return nil, notFound(err, "image %d", id)
	}
	return &img, nil
}

// SetImageConfirmed marks whether all of an image's points are confirmed.
func (c *Catalog) SetImageConfirmed(ctx context.Context, imageID int64, confirmed bool) error {
	_, err := c.exec(ctx, `UPDATE images SET confirmed = ? WHERE id = ?`, confirmed, imageID)
	return errors.Wrapf(err, "failed to update image %d", imageID)
}

// ImagesWithoutFeatures returns the source's images lacking extracted
// features, by id.
func (c *Catalog) ImagesWithoutFeatures(ctx context.Context, sourceID int64) ([]*Image, error) {
	rows, err := c.query(ctx, `SELECT `+imageColumns+`
		FROM images i LEFT JOIN features f ON f.image_id = i.id
		WHERE i.source_id = ? AND (f.extracted IS NULL OR f.extracted = ?)
		ORDER BY i.id`, sourceID, false)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list images without features")
	}
	return scanImages(rows)
}

// TrainableImages returns the source's confirmed images with extracted
// features, by id.
func (c *Catalog) TrainableImages(ctx context.Context, sourceID int64) ([]*Image, error) {
	rows, err := c.query(ctx, `SELECT `+imageColumns+`
		FROM images i JOIN features f ON f.image_id = i.id
		WHERE i.source_id = ? AND i.confirmed = ? AND f.extracted = ?
		ORDER BY i.id`, sourceID, true, true)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list trainable images")
	}
	return scanImages(rows)
}

// ClassifiableImages returns the source's unconfirmed images with extracted
// features. With onlyUnclassified, images that already have annotations
// are left out.
func (c *Catalog) ClassifiableImages(ctx context.Context, sourceID int64, onlyUnclassified bool) ([]*Image, error) {
	q := `SELECT ` + imageColumns + `
		FROM images i JOIN features f ON f.image_id = i.id
		WHERE i.source_id = ? AND i.confirmed = ? AND f.extracted = ?`
	if onlyUnclassified {
		q += ` AND NOT EXISTS (SELECT 1 FROM annotations a WHERE a.image_id = i.id)`
	}
	rows, err := c.query(ctx, q+` ORDER BY i.id`, sourceID, false, true)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list classifiable images")
	}
	return scanImages(rows)
}

// Features

// Features returns the image's extraction state. An image that was never
// extracted gets a zero, unextracted record.
func (c *Catalog) Features(ctx context.Context, imageID int64) (*Features, error) {
	f := Features{ImageID: imageID}
	var runtime sql.NullFloat64
	var extractedAt db.NullTime
	err := c.queryRow(ctx, `SELECT extracted, extractor, has_rowcols, runtime_total, extracted_date
		FROM features WHERE image_id = ?`, imageID).Scan(
		&f.Extracted, &f.Extractor, &f.HasRowCols, &runtime, &extractedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &f, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get features of image %d", imageID)
	}
	f.RuntimeTotal = floatPtr(runtime)
	f.ExtractedDate = extractedAt.Ptr()
	return &f, nil
}

// SaveFeatures writes f, creating the record if needed.
func (c *Catalog) SaveFeatures(ctx context.Context, f *Features) error {
	var runtime sql.NullFloat64
	if f.RuntimeTotal != nil {
		runtime = sql.NullFloat64{Float64: *f.RuntimeTotal, Valid: true}
	}
	_, err := c.exec(ctx, `INSERT INTO features
		(image_id, extracted, extractor, has_rowcols, runtime_total, extracted_date)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (image_id) DO UPDATE SET
			extracted = excluded.extracted,
			extractor = excluded.extractor,
			has_rowcols = excluded.has_rowcols,
			runtime_total = excluded.runtime_total,
			extracted_date = excluded.extracted_date`,
		f.ImageID, f.Extracted, f.Extractor, f.HasRowCols, runtime, c.dialect.NullTimeArg(f.ExtractedDate))
	return errors.Wrapf(err, "failed to save features of image %d", f.ImageID)
}

// ResetFeatures marks the images' features as not extracted. With no
// image ids, every image of the source is reset.
func (c *Catalog) ResetFeatures(ctx context.Context, sourceID int64, imageIDs ...int64) (int64, error) {
	q := `UPDATE features SET extracted = ? WHERE image_id IN (SELECT id FROM images WHERE source_id = ?)`
	args := []interface{}{false, sourceID}
	if len(imageIDs) > 0 {
		q += ` AND image_id IN (` + db.Placeholders(len(imageIDs)) + `)`
		for _, id := range imageIDs {
			args = append(args, id)
		}
	}
	res, err := c.exec(ctx, q, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to reset features of source %d", sourceID)
	}
	return res.RowsAffected()
}

// ClearClassifiers deletes the source's classifiers together with their
// scores and unconfirmed annotations. Confirmed annotations and features
// stay. Returns the number of classifiers deleted.
func (c *Catalog) ClearClassifiers(ctx context.Context, sourceID int64) (int64, error) {
	var deleted int64
	err := db.RunInTx(ctx, c.db, func(ctx context.Context) error {
		const ofSource = ` WHERE image_id IN (SELECT id FROM images WHERE source_id = ?)`
		if _, err := c.exec(ctx, `DELETE FROM scores`+ofSource, sourceID); err != nil {
			return errors.Wrapf(err, "failed to delete scores of source %d", sourceID)
		}
		if _, err := c.exec(ctx, `DELETE FROM annotations`+ofSource+` AND confirmed = ?`, sourceID, false); err != nil {
			return errors.Wrapf(err, "failed to delete unconfirmed annotations of source %d", sourceID)
		}
		if _, err := c.exec(ctx, `UPDATE sources SET deployed_classifier_id = NULL WHERE id = ?`, sourceID); err != nil {
			return errors.Wrapf(err, "failed to undeploy classifier of source %d", sourceID)
		}
		res, err := c.exec(ctx, `DELETE FROM classifiers WHERE source_id = ?`, sourceID)
		if err != nil {
			return errors.Wrapf(err, "failed to delete classifiers of source %d", sourceID)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// Points

// AddPoints creates the image's points, numbered from 1 in order.
func (c *Catalog) AddPoints(ctx context.Context, imageID int64, rowcols ...spacer.RowCol) error {
	return db.RunInTx(ctx, c.db, func(ctx context.Context) error {
		for i, rc := range rowcols {
			if _, err := c.exec(ctx, `INSERT INTO points (image_id, point_number, row_px, col_px) VALUES (?, ?, ?, ?)`,
				imageID, i+1, rc.Row, rc.Col); err != nil {
				return errors.Wrapf(err, "failed to add point %d to image %d", i+1, imageID)
			}
		}
		return nil
	})
}

// DeletePoints removes the image's points, and with them its annotations
// and scores.
func (c *Catalog) DeletePoints(ctx context.Context, imageID int64) error {
	return db.RunInTx(ctx, c.db, func(ctx context.Context) error {
		for _, table := range []string{"scores", "annotations", "points"} {
			if _, err := c.exec(ctx, `DELETE FROM `+table+` WHERE image_id = ?`, imageID); err != nil {
				return errors.Wrapf(err, "failed to delete %s of image %d", table, imageID)
			}
		}
		return nil
	})
}

// Points returns the image's points by point number.
func (c *Catalog) Points(ctx context.Context, imageID int64) ([]Point, error) {
	rows, err := c.query(ctx, `SELECT id, image_id, point_number, row_px, col_px
		FROM points WHERE image_id = ? ORDER BY point_number`, imageID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list points of image %d", imageID)
	}
	defer rows.Close()
	var out []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.ID, &p.ImageID, &p.Number, &p.Row, &p.Col); err != nil {
			return nil, errors.Wrap(err, "failed to scan point")
		}
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "error iterating points")
}

// CountAnnotations counts annotations on the given images.
func (c *Catalog) CountAnnotations(ctx context.Context, imageIDs []int64) (int, error) {
	if len(imageIDs) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(imageIDs))
	for i, id := range imageIDs {
		args[i] = id
	}
	var n int
	err := c.queryRow(ctx, `SELECT COUNT(*) FROM annotations WHERE image_id IN (`+
		db.Placeholders(len(imageIDs))+`)`, args...).Scan(&n)
	return n, errors.Wrap(err, "failed to count annotations")
}

// Classifiers

const classifierColumns = `id, source_id, train_job_id, status, accuracy, runtime_train, nbr_train_images, create_date`

func scanClassifier(row interface{ Scan(...interface{}) error }) (*Classifier, error) {
	var cl Classifier
	var trainJob sql.NullInt64
	var acc, runtime sql.NullFloat64
	var created db.NullTime
	if err := row.Scan(&cl.ID, &cl.SourceID, &trainJob, &cl.Status, &acc, &runtime, &cl.NbrTrainImages, &created); err != nil {
		return nil, err
	}
	cl.TrainJobID = intPtr(trainJob)
	cl.Accuracy = floatPtr(acc)
	cl.RuntimeTrain = floatPtr(runtime)
	cl.CreateDate = created.Time
	return &cl, nil
}

// CreateClassifier saves cl and sets its ID.
func (c *Catalog) CreateClassifier(ctx context.Context, cl *Classifier) error {
	if cl.Status == "" {
		cl.Status = ClassifierPending
	}
	cl.CreateDate = c.now()
	id, err := c.insert(ctx, "classifier", `INSERT INTO classifiers
		(source_id, train_job_id, status, nbr_train_images, create_date) VALUES (?, ?, ?, ?, ?)`,
		cl.SourceID, nullInt(cl.TrainJobID), string(cl.Status), cl.NbrTrainImages, c.dialect.TimeArg(cl.CreateDate))
	cl.ID = id
	return err
}

// Classifier returns the classifier with id.
func (c *Catalog) Classifier(ctx context.Context, id int64) (*Classifier, error) {
	cl, err := scanClassifier(c.queryRow(ctx, `SELECT `+classifierColumns+` FROM classifiers WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "classifier %d", id)
	}
	return cl, nil
}

// UpdateClassifier writes cl's status and training results.
func (c *Catalog) UpdateClassifier(ctx context.Context, cl *Classifier) error {
	var acc, runtime sql.NullFloat64
	if cl.Accuracy != nil {
		acc = sql.NullFloat64{Float64: *cl.Accuracy, Valid: true}
	}
	if cl.RuntimeTrain != nil {
		runtime = sql.NullFloat64{Float64: *cl.RuntimeTrain, Valid: true}
	}
	_, err := c.exec(ctx, `UPDATE classifiers SET status = ?, accuracy = ?, runtime_train = ? WHERE id = ?`,
		string(cl.Status), acc, runtime, cl.ID)
	return errors.Wrapf(err, "failed to update classifier %d", cl.ID)
}

// AcceptedClassifiers returns the source's accepted classifiers, oldest
// first.
func (c *Catalog) AcceptedClassifiers(ctx context.Context, sourceID int64) ([]*Classifier, error) {
	return c.classifiers(ctx, sourceID, ClassifierAccepted)
}

// TrainedClassifiers returns the source's classifiers that finished
// training, accepted or not, oldest first.
func (c *Catalog) TrainedClassifiers(ctx context.Context, sourceID int64) ([]*Classifier, error) {
	return c.classifiers(ctx, sourceID, ClassifierAccepted, ClassifierRejected)
}

func (c *Catalog) classifiers(ctx context.Context, sourceID int64, statuses ...ClassifierStatus) ([]*Classifier, error) {
	args := []interface{}{sourceID}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	rows, err := c.query(ctx, `SELECT `+classifierColumns+` FROM classifiers
		WHERE source_id = ? AND status IN (`+db.Placeholders(len(statuses))+`) ORDER BY id`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list classifiers")
	}
	defer rows.Close()
	var out []*Classifier
	for rows.Next() {
		cl, err := scanClassifier(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan classifier")
		}
		out = append(out, cl)
	}
	return out, errors.Wrap(rows.Err(), "error iterating classifiers")
}

// LatestAnnotationClassifier returns the classifier behind the source's
// newest unconfirmed annotation, nil when there is none.
func (c *Catalog) LatestAnnotationClassifier(ctx context.Context, sourceID int64) (*int64, error) {
	var robot sql.NullInt64
	err := c.queryRow(ctx, `SELECT a.robot_version_id
		FROM annotations a JOIN images i ON i.id = a.image_id
		WHERE i.source_id = ? AND a.confirmed = ?
		ORDER BY a.id DESC LIMIT 1`, sourceID, false).Scan(&robot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get latest robot annotation")
	}
	return intPtr(robot), nil
}

// API job units

// CreateAPIJobUnit saves u and sets its ID.
func (c *Catalog) CreateAPIJobUnit(ctx context.Context, u *APIJobUnit) error {
	req, err := json.Marshal(u.Request)
	if err != nil {
		return errors.Wrap(err, "encoding api job unit request")
	}
	id, err := c.insert(ctx, "api job unit", `INSERT INTO api_job_units
		(parent_id, order_in_parent, internal_job_id, request_json, size) VALUES (?, ?, ?, ?, ?)`,
		u.ParentID, u.OrderInParent, nullInt(u.InternalJobID), string(req), len(u.Request.Points))
	if db.IsUniqueViolation(err) {
		return errors.Wrapf(errors.ErrConflict, "job unit [%d / %d] already exists", u.ParentID, u.OrderInParent)
	}
	u.ID = id
	u.Size = len(u.Request.Points)
	return err
}

func (c *Catalog) apiJobUnit(ctx context.Context, where string, args ...interface{}) (*APIJobUnit, error) {
	var u APIJobUnit
	var internal sql.NullInt64
	var req string
	var result sql.NullString
	err := c.queryRow(ctx, `SELECT id, parent_id, order_in_parent, internal_job_id, request_json, result_json, size
		FROM api_job_units WHERE `+where, args...).Scan(
		&u.ID, &u.ParentID, &u.OrderInParent, &internal, &req, &result, &u.Size)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(req), &u.Request); err != nil {
		return nil, errors.Wrapf(err, "decoding request of api job unit %d", u.ID)
	}
	u.InternalJobID = intPtr(internal)
	if result.Valid {
		u.ResultJSON = &result.String
	}
	return &u, nil
}

// APIJobUnit returns a unit by its position in its parent job.
func (c *Catalog) APIJobUnit(ctx context.Context, parentID int64, order int) (*APIJobUnit, error) {
	u, err := c.apiJobUnit(ctx, `parent_id = ? AND order_in_parent = ?`, parentID, order)
	if err != nil {
		return nil, notFound(err, "job unit [%d / %d]", parentID, order)
	}
	return u, nil
}

// APIJobUnitForJob returns the unit run by an internal job.
func (c *Catalog) APIJobUnitForJob(ctx context.Context, internalJobID int64) (*APIJobUnit, error) {
	u, err := c.apiJobUnit(ctx, `internal_job_id = ?`, internalJobID)
	if err != nil {
		return nil, notFound(err, "api job unit for job %d", internalJobID)
	}
	return u, nil
}

// SetAPIJobUnitJob links a unit to the internal job running it.
func (c *Catalog) SetAPIJobUnitJob(ctx context.Context, unitID, internalJobID int64) error {
	_, err := c.exec(ctx, `UPDATE api_job_units SET internal_job_id = ? WHERE id = ?`, internalJobID, unitID)
	return errors.Wrapf(err, "failed to link api job unit %d", unitID)
}

// SetAPIJobUnitResult stores a unit's result document.
func (c *Catalog) SetAPIJobUnitResult(ctx context.Context, unitID int64, result interface{}) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return errors.Wrapf(err, "encoding result of api job unit %d", unitID)
	}
	_, err = c.exec(ctx, `UPDATE api_job_units SET result_json = ? WHERE id = ?`, string(raw), unitID)
	return errors.Wrapf(err, "failed to save result of api job unit %d", unitID)
}
