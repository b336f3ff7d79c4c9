package vision

import (
	"context"
	"database/sql"
	"math"
	"time"

	"github.com/teranos/spacerjobs/db"
	"github.com/teranos/spacerjobs/errors"
)

// RobotAnnotation is a machine-suggested label for one point.
type RobotAnnotation struct {
	PointID int64
	LabelID int64
}

// PointScore is a classifier's confidence in one label for one point.
type PointScore struct {
	PointID int64
	LabelID int64
	Score   float64
}

// AnnotationStore writes machine annotations and scores.
type AnnotationStore struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time
}

// NewAnnotationStore creates a store on conn.
func NewAnnotationStore(conn *sql.DB, dialect db.Dialect, now func() time.Time) *AnnotationStore {
	if now == nil {
		now = time.Now
	}
	return &AnnotationStore{db: conn, dialect: dialect, now: now}
}

func (s *AnnotationStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.From(ctx, s.db).ExecContext(ctx, s.dialect.Rebind(query), args...)
}

type existingAnnotation struct {
	id        int64
	labelID   int64
	confirmed bool
}

// SaveBatch writes robot annotations for an image in one transaction, in
// the given order. Confirmed annotations are kept; unconfirmed ones are
// replaced. A unique-constraint failure means someone else wrote to the
// image's points meanwhile: the whole batch rolls back and the error
// wraps errors.ErrStorageConflict.
func (s *AnnotationStore) SaveBatch(ctx context.Context, imageID, classifierID int64, batch []RobotAnnotation) error {
	return db.RunInTx(ctx, s.db, func(ctx context.Context) error {
		existing, err := s.existing(ctx, imageID)
		if err != nil {
			return err
		}

		now := s.dialect.TimeArg(s.now())
		for _, a := range batch {
			prev, ok := existing[a.PointID]
			switch {
			case ok && prev.confirmed:
				continue
			case ok:
				if prev.labelID == a.LabelID {
					_, err = s.exec(ctx, `UPDATE annotations SET robot_version_id = ? WHERE id = ?`,
						classifierID, prev.id)
				} else {
					_, err = s.exec(ctx, `UPDATE annotations SET label_id = ?, robot_version_id = ?, create_date = ?
						WHERE id = ?`, a.LabelID, classifierID, now, prev.id)
				}
			default:
				_, err = s.exec(ctx, `INSERT INTO annotations
					(image_id, point_id, label_id, robot_version_id, confirmed, create_date)
					VALUES (?, ?, ?, ?, ?, ?)`, imageID, a.PointID, a.LabelID, classifierID, false, now)
			}
			if err != nil {
				if db.IsUniqueViolation(err) {
					return errors.WithDetailf(
						errors.Wrapf(errors.ErrStorageConflict, "annotation for point %d", a.PointID),
						"Image ID: %d", imageID)
				}
				return errors.Wrapf(err, "failed to save annotation for point %d", a.PointID)
			}
		}
		return nil
	})
}

func (s *AnnotationStore) existing(ctx context.Context, imageID int64) (map[int64]existingAnnotation, error) {
	rows, err := db.From(ctx, s.db).QueryContext(ctx, s.dialect.Rebind(
		`SELECT id, point_id, label_id, confirmed FROM annotations WHERE image_id = ?`), imageID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list annotations of image %d", imageID)
	}
	defer rows.Close()

	out := make(map[int64]existingAnnotation)
	for rows.Next() {
		var a existingAnnotation
		var pointID int64
		if err := rows.Scan(&a.id, &pointID, &a.labelID, &a.confirmed); err != nil {
			return nil, errors.Wrap(err, "failed to scan annotation")
		}
		out[pointID] = a
	}
	return out, errors.Wrap(rows.Err(), "error iterating annotations")
}

// ReplaceScores swaps the image's scores for the given ones. Scores are
// stored as whole percentages.
func (s *AnnotationStore) ReplaceScores(ctx context.Context, imageID int64, scores []PointScore) error {
	return db.RunInTx(ctx, s.db, func(ctx context.Context) error {
		if _, err := s.exec(ctx, `DELETE FROM scores WHERE image_id = ?`, imageID); err != nil {
			return errors.Wrapf(err, "failed to clear scores of image %d", imageID)
		}
		for _, sc := range scores {
			_, err := s.exec(ctx, `INSERT INTO scores (image_id, point_id, label_id, score) VALUES (?, ?, ?, ?)`,
				imageID, sc.PointID, sc.LabelID, int(math.Round(sc.Score*100)))
			if err != nil {
				if db.IsUniqueViolation(err) {
					return errors.Wrapf(errors.ErrStorageConflict, "score for point %d", sc.PointID)
				}
				return errors.Wrapf(err, "failed to save score for point %d", sc.PointID)
			}
		}
		return nil
	})
}

// Annotation is a stored annotation, as read back for reporting.
type Annotation struct {
	PointID        int64
	LabelID        int64
	RobotVersionID *int64
	Confirmed      bool
}

// ImageAnnotations returns the image's annotations by point number.
func (s *AnnotationStore) ImageAnnotations(ctx context.Context, imageID int64) ([]Annotation, error) {
	rows, err := db.From(ctx, s.db).QueryContext(ctx, s.dialect.Rebind(`SELECT
		a.point_id, a.label_id, a.robot_version_id, a.confirmed
		FROM annotations a JOIN points p ON p.id = a.point_id
		WHERE a.image_id = ? ORDER BY p.point_number`), imageID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list annotations of image %d", imageID)
	}
	defer rows.Close()

	var out []Annotation
	for rows.Next() {
		var a Annotation
		var robot sql.NullInt64
		if err := rows.Scan(&a.PointID, &a.LabelID, &robot, &a.Confirmed); err != nil {
			return nil, errors.Wrap(err, "failed to scan annotation")
		}
		a.RobotVersionID = intPtr(robot)
		out = append(out, a)
	}
	return out, errors.Wrap(rows.Err(), "error iterating annotations")
}

// CountScores counts the image's stored scores.
func (s *AnnotationStore) CountScores(ctx context.Context, imageID int64) (int, error) {
	var n int
	err := db.From(ctx, s.db).QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT COUNT(*) FROM scores WHERE image_id = ?`), imageID).Scan(&n)
	return n, errors.Wrapf(err, "failed to count scores of image %d", imageID)
}
