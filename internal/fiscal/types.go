package fiscal

import "time"

type CFOPResult struct {
	CFOP           string `json:"cfop,omitempty"`
	Valido         bool   `json:"valido"`
	DescricaoGrupo string `json:"descricao_grupo,omitempty"`
	Destino        string `json:"destino,omitempty"`
	Natureza       string `json:"natureza,omitempty"`
	Erro           string `json:"erro,omitempty"`
}

type NCMResult struct {
	NCM          string `json:"ncm,omitempty"`
	Valido       bool   `json:"valido"`
	Categoria    string `json:"categoria,omitempty"`
	Capitulo     string `json:"capitulo,omitempty"`
	NCMFormatado string `json:"ncm_formatado,omitempty"`
	Erro         string `json:"erro,omitempty"`
}

type TaxQuery struct {
	Query   string        `json:"query"`
	Context *QueryContext `json:"context,omitempty"`
}

type QueryContext struct {
	FileID string `json:"file_id"`
}

type TaxAnswer struct {
	Resposta string `json:"resposta,omitempty"`
	Response string `json:"response,omitempty"`
}

// FileInfo describes an uploaded spreadsheet.
type FileInfo struct {
	FileID     string `json:"file_id"`
	Filename   string `json:"filename"`
	Rows       int    `json:"rows"`
	Columns    int    `json:"columns"`
	UploadDate string `json:"upload_date,omitempty"`
}

type UploadResult struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	Rows     int    `json:"rows"`
	Columns  int    `json:"columns"`
	Message  string `json:"message,omitempty"`
}

type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Message string `json:"message,omitempty"`
}

func (h HealthStatus) Healthy() bool {
	return h.Status == "healthy"
}

type Metrics struct {
	TotalFiles     int       `json:"total_files"`
	TotalRows      int       `json:"total_rows"`
	TotalColumns   int       `json:"total_columns"`
	Status         string    `json:"status"`
	BackendVersion string    `json:"backend_version,omitempty"`
	LastUpdated    time.Time `json:"last_updated"`
}
