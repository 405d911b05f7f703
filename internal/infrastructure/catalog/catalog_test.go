package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/internal/domain/curriculum"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/internal/infrastructure/persistence/memory"
)

func TestDefaultCatalog(t *testing.T) {
	ctx := context.Background()
	c := NewFile("", nil)

	ids, err := c.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"go-concurrency", "go-foundations"}, ids)

	p, err := c.GetPath(ctx, "go-foundations")
	require.NoError(t, err)
	assert.Equal(t, 5, p.TotalLessons())
	assert.Equal(t, []string{"go-basics-quiz"}, p.AssessmentIDs)
	assert.Equal(t, 336*time.Hour, p.EstimatedDuration)
	assert.Empty(t, p.PaceSchedule)

	conc, err := c.GetPath(ctx, "go-concurrency")
	require.NoError(t, err)
	assert.Equal(t, []string{"go-foundations"}, conc.Prerequisites)
	require.Len(t, conc.PaceSchedule, 4)
	assert.Equal(t, 72*time.Hour, conc.PaceSchedule[0])

	_, err = c.GetPath(ctx, "missing")
	assert.True(t, shared.IsNotFound(err))
}

func TestParseRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"no id":          "paths:\n  - title: x\n    lessons: [{id: a}]\n",
		"no lessons":     "paths:\n  - id: p\n",
		"duplicate path": "paths:\n  - id: p\n    lessons: [{id: a}]\n  - id: p\n    lessons: [{id: a}]\n",
		"unknown prereq": "paths:\n  - id: p\n    prerequisites: [q]\n    lessons: [{id: a}]\n",
		"not yaml":       "paths: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestFileReloadKeepsPreviousOnError(t *testing.T) {
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "paths.yaml")
	require.NoError(t, os.WriteFile(file, []byte("paths:\n  - id: p\n    lessons: [{id: a}, {id: b}]\n"), 0o600))

	c := NewFile(file, nil)
	p, err := c.GetPath(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 2, p.TotalLessons())
	assert.Equal(t, 1, p.Version)

	require.NoError(t, os.WriteFile(file, []byte("paths: ["), 0o600))
	assert.Error(t, c.Reload(ctx))

	p, err = c.GetPath(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 2, p.TotalLessons())
}

func TestCurriculumLayerPrefersPublishedVersion(t *testing.T) {
	ctx := context.Background()
	versions := memory.NewCurriculumRepository()
	layered := NewCurriculum(versions, NewFile("", nil))

	p, err := layered.GetPath(ctx, "go-foundations")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, 5, p.TotalLessons())

	require.NoError(t, versions.Append(ctx, &curriculum.Version{
		LearningPathID: "go-foundations",
		Number:         1,
		Content: curriculum.Content{
			Title:   "Go Foundations",
			Lessons: []curriculum.Lesson{{ID: "a"}, {ID: "b"}},
		},
		PublishedAt: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
	}))

	p, err = layered.GetPath(ctx, "go-foundations")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, p.LessonIDs)

	_, err = NewCurriculum(versions, nil).GetPath(ctx, "nowhere")
	assert.ErrorIs(t, err, shared.ErrPathNotFound)
}
