package livehttp

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"perpguard/internal/logger"
	"perpguard/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorEquity        = "#34d399"
	colorCapital       = "#3b82f6"
	colorDrawdown      = "#f87171"

	chartWidthPx  = 1400
	equityHeight  = 480
	ddChartHeight = 260
)

func (r *Router) handleEquityChart(c *gin.Context) {
	points, err := r.equityPoints(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	html, err := renderEquityPage(points)
	if err != nil {
		logger.Errorf("[api] render equity chart failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", html)
}

// renderEquityPage 输出权益 / 资金基数曲线与回撤柱状图。
func renderEquityPage(points []store.EquityPoint) ([]byte, error) {
	xAxis := make([]string, len(points))
	equity := make([]opts.LineData, len(points))
	capital := make([]opts.LineData, len(points))
	drawdown := make([]opts.BarData, len(points))
	for i, p := range points {
		xAxis[i] = p.At.Local().Format("01-02 15:04")
		equity[i] = opts.LineData{Value: round2(p.Equity)}
		capital[i] = opts.LineData{Value: round2(p.Capital)}
		drawdown[i] = opts.BarData{Value: round2(p.Drawdown * 100)}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(equityHeight)),
		charts.WithTitleOpts(opts.Title{
			Title:         "Equity",
			Subtitle:      fmt.Sprintf("%d points", len(points)),
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true), AxisLabel: &opts.AxisLabel{Color: colorTextSecondary}}),
	)
	line.SetXAxis(xAxis).
		AddSeries("equity", equity, charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2})).
		AddSeries("capital base", capital, charts.WithLineStyleOpts(opts.LineStyle{Color: colorCapital, Width: 1}))
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(ddChartHeight)),
		charts.WithTitleOpts(opts.Title{Title: "Drawdown %", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithYAxisOpts(opts.YAxis{AxisLabel: &opts.AxisLabel{Color: colorTextSecondary}}),
	)
	bar.SetXAxis(xAxis).AddSeries("drawdown", drawdown, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorDrawdown}))

	page := components.NewPage()
	page.PageTitle = "perpguard equity"
	page.AddCharts(line, bar)
	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func initOpts(height int) opts.Initialization {
	return opts.Initialization{
		Theme:           types.ThemeWesteros,
		Width:           fmt.Sprintf("%dpx", chartWidthPx),
		Height:          fmt.Sprintf("%dpx", height),
		BackgroundColor: colorBackground,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
