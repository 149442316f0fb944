package board

// HeaderCell is one cell of the column header grid. Column is the board
// column index for cells naming a single column and -1 for a category that
// spans several.
type HeaderCell struct {
	Name   string `json:"name"`
	Column int    `json:"column"`
	Cols   int    `json:"cols"`
	Rows   int    `json:"rows"`
	Total  int    `json:"total"`
}

// HeaderRows is the two-row header of a board.
type HeaderRows struct {
	Top    []HeaderCell `json:"top"`
	Bottom []HeaderCell `json:"bottom"`
}

// Headers lays out column headers. Consecutive columns sharing a category
// collapse into one top cell spanning them, with each column in the bottom
// row. A column without a category takes both rows.
func Headers(columns []ColumnHeader) HeaderRows {
	rows := HeaderRows{Top: []HeaderCell{}, Bottom: []HeaderCell{}}
	for i := 0; i < len(columns); {
		c := columns[i]
		if c.Header == "" {
			rows.Top = append(rows.Top, HeaderCell{Name: c.Name, Column: c.Index, Cols: 1, Rows: 2, Total: c.Total})
			i++
			continue
		}
		group := HeaderCell{Name: c.Header, Column: -1, Rows: 1}
		for i < len(columns) && columns[i].Header == c.Header {
			col := columns[i]
			rows.Bottom = append(rows.Bottom, HeaderCell{Name: col.Name, Column: col.Index, Cols: 1, Rows: 1, Total: col.Total})
			group.Cols++
			group.Total += col.Total
			i++
		}
		rows.Top = append(rows.Top, group)
	}
	return rows
}
