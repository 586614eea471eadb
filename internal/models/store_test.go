package models_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"reportdesk/internal/models"
	"reportdesk/internal/models/modelstest"
)

func ownerID(v int64) *int64 { return &v }

func createReport(t *testing.T, s *models.Store, typeName, reportName string, owner *int64) models.Report {
	t.Helper()
	ctx := context.Background()
	var r models.Report
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		typeID, err := s.GetOrCreateTypeTx(ctx, tx, typeName, owner)
		if err != nil {
			return err
		}
		r = models.Report{TypeID: typeID, ReportName: reportName, UserID: owner, StorageDir: reportName}
		return s.CreateReportTx(ctx, tx, &r)
	})
	require.NoError(t, err)
	return r
}

func TestGetOrCreateTypeScoping(t *testing.T) {
	s := modelstest.NewStore(t)
	ctx := context.Background()

	publicID, err := s.GetOrCreateType(ctx, "年度报告", nil)
	require.NoError(t, err)
	again, err := s.GetOrCreateType(ctx, "年度报告", nil)
	require.NoError(t, err)
	require.Equal(t, publicID, again)

	ownedID, err := s.GetOrCreateType(ctx, "年度报告", ownerID(7))
	require.NoError(t, err)
	require.NotEqual(t, publicID, ownedID)
}

func TestCreateReportRejectsDuplicate(t *testing.T) {
	s := modelstest.NewStore(t)
	ctx := context.Background()
	owner := ownerID(3)
	createReport(t, s, "安全评估", "2026上半年", owner)

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		typeID, err := s.GetOrCreateTypeTx(ctx, tx, "安全评估", owner)
		if err != nil {
			return err
		}
		r := models.Report{TypeID: typeID, ReportName: "2026上半年", UserID: owner, StorageDir: "2026上半年"}
		return s.CreateReportTx(ctx, tx, &r)
	})
	require.ErrorIs(t, err, models.ErrDuplicateReport)

	// Same name under a different owner is a different report.
	createReport(t, s, "安全评估", "2026上半年", ownerID(4))

	exists, err := s.ReportExists(ctx, "安全评估", "2026上半年", owner)
	require.NoError(t, err)
	require.True(t, exists)
	exists, err = s.ReportExists(ctx, "安全评估", "没有这份", owner)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestFindReportPrefersOwned(t *testing.T) {
	s := modelstest.NewStore(t)
	ctx := context.Background()
	owner := ownerID(9)
	createReport(t, s, "模板", "基线", nil)
	owned := createReport(t, s, "模板", "基线", owner)

	got, err := s.FindReport(ctx, "模板", "基线", owner)
	require.NoError(t, err)
	require.Equal(t, owned.ID, got.ID)
	require.NotNil(t, got.UserID)

	public, err := s.FindReport(ctx, "模板", "基线", nil)
	require.NoError(t, err)
	require.Nil(t, public.UserID)

	_, err = s.FindReport(ctx, "模板", "不存在", owner)
	require.ErrorIs(t, err, models.ErrReportNotFound)
}

func TestCatalogueTreeRoundTrip(t *testing.T) {
	s := modelstest.NewStore(t)
	ctx := context.Background()
	r := createReport(t, s, "巡检", "三月", nil)

	rows := []*models.CatalogueRow{
		{TypeID: r.TypeID, ReportNameID: r.ID, CatalogueName: "1 概述", Level: 1, SortOrder: 1, ParentID: 0, FileName: "/x/1 概述.docx"},
		{TypeID: r.TypeID, ReportNameID: r.ID, CatalogueName: "1.1 范围", Level: 2, SortOrder: 2, FileName: "/x/1.1 范围.docx"},
		{TypeID: r.TypeID, ReportNameID: r.ID, CatalogueName: "2 结论", Level: 1, SortOrder: 3, FileName: "/x/2 结论.docx"},
	}
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, row := range rows {
			if err := s.InsertCatalogueTx(ctx, tx, row); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	listed, err := s.ListCatalogue(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	require.Equal(t, "1 概述", listed[0].CatalogueName)
	require.Equal(t, "2 结论", listed[2].CatalogueName)

	listed[1].ParentID = listed[0].ID
	tree := models.BuildTree(listed)
	require.Len(t, tree, 2)
	require.Len(t, tree[0].Children, 1)
	require.Equal(t, "1.1 范围", tree[0].Children[0].CatalogueName)
}

func TestFindCatalogueByTitle(t *testing.T) {
	s := modelstest.NewStore(t)
	ctx := context.Background()
	r := createReport(t, s, "巡检", "三月", nil)
	row := models.CatalogueRow{TypeID: r.TypeID, ReportNameID: r.ID, CatalogueName: "1 概述", Level: 1, SortOrder: 1, FileName: "/x/1 概述.docx"}
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.InsertCatalogueTx(ctx, tx, &row)
	})
	require.NoError(t, err)

	got, err := s.FindCatalogueByTitle(ctx, "巡检", "三月", "1 概述", ownerID(5))
	require.NoError(t, err)
	require.Equal(t, row.ID, got.ID)

	_, err = s.FindCatalogueByTitle(ctx, "巡检", "三月", "没有的标题", nil)
	require.ErrorIs(t, err, models.ErrChapterNotFound)
}

func TestUpsertMergedRecordUpdatesInPlace(t *testing.T) {
	s := modelstest.NewStore(t)
	ctx := context.Background()
	owner := ownerID(2)
	r := createReport(t, s, "巡检", "三月", owner)

	rec := models.MergedRecord{TypeID: r.TypeID, ReportNameID: r.ID, MergedName: "三月", FilePath: "/m/三月.docx", UserID: owner}
	require.NoError(t, s.UpsertMergedRecord(ctx, &rec))
	firstID := rec.ID

	rec2 := models.MergedRecord{TypeID: r.TypeID, ReportNameID: r.ID, MergedName: "三月", FilePath: "/m/三月v2.docx", UserID: owner}
	require.NoError(t, s.UpsertMergedRecord(ctx, &rec2))
	require.Equal(t, firstID, rec2.ID)

	got, err := s.GetMergedRecord(ctx, r.ID, owner)
	require.NoError(t, err)
	require.Equal(t, "/m/三月v2.docx", got.FilePath)
}

func TestDeleteReportCascades(t *testing.T) {
	s := modelstest.NewStore(t)
	ctx := context.Background()
	r := createReport(t, s, "巡检", "三月", nil)
	row := models.CatalogueRow{TypeID: r.TypeID, ReportNameID: r.ID, CatalogueName: "1 概述", Level: 1, SortOrder: 1, FileName: "/x/a.docx"}
	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.InsertCatalogueTx(ctx, tx, &row)
	}))
	rec := models.MergedRecord{TypeID: r.TypeID, ReportNameID: r.ID, MergedName: "三月", FilePath: "/m/三月.docx"}
	require.NoError(t, s.UpsertMergedRecord(ctx, &rec))

	require.NoError(t, s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.DeleteReportTx(ctx, tx, r.ID)
	}))

	_, err := s.GetReportByID(ctx, r.ID)
	require.ErrorIs(t, err, models.ErrReportNotFound)
	listed, err := s.ListCatalogue(ctx, r.ID)
	require.NoError(t, err)
	require.Empty(t, listed)
	_, err = s.GetMergedRecord(ctx, r.ID, nil)
	require.ErrorIs(t, err, models.ErrReportNotFound)
}
