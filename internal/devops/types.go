package devops

import "time"

// Wire payloads of the Azure DevOps REST API (api-version 7.2-preview.1).
// Paginated list endpoints return a continuation token either in the body or
// in the x-ms-continuationtoken response header.

type projectList struct {
	Count             int       `json:"count"`
	Value             []project `json:"value"`
	ContinuationToken string    `json:"continuationToken"`
}

type project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type pipelineList struct {
	Count             int        `json:"count"`
	Value             []pipeline `json:"value"`
	ContinuationToken string     `json:"continuationToken"`
}

type pipeline struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Folder   string `json:"folder"`
	Revision int    `json:"revision"`
}

type runList struct {
	Count             int    `json:"count"`
	Value             []run  `json:"value"`
	ContinuationToken string `json:"continuationToken"`
}

type run struct {
	ID           int        `json:"id"`
	Name         string     `json:"name"`
	State        string     `json:"state"`
	Result       string     `json:"result"`
	URL          string     `json:"url"`
	CreatedDate  time.Time  `json:"createdDate"`
	FinishedDate *time.Time `json:"finishedDate"`
	Pipeline     pipeline   `json:"pipeline"`
	Links        runLinks   `json:"_links"`
}

type runLinks struct {
	Web link `json:"web"`
}

type link struct {
	Href string `json:"href"`
}

type logList struct {
	Logs []logEntry `json:"logs"`
}

type logEntry struct {
	ID        int       `json:"id"`
	LineCount int64     `json:"lineCount"`
	CreatedOn time.Time `json:"createdOn"`
	URL       string    `json:"url"`
}

type logDetail struct {
	ID            int            `json:"id"`
	LineCount     int64          `json:"lineCount"`
	CreatedOn     time.Time      `json:"createdOn"`
	URL           string         `json:"url"`
	SignedContent *signedContent `json:"signedContent"`
}

type signedContent struct {
	URL              string    `json:"url"`
	SignatureExpires time.Time `json:"signatureExpires"`
}
