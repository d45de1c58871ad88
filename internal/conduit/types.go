package conduit

// Priority is one entry of maniphest.priority.search.
type Priority struct {
	Name     string   `json:"name"`
	Keywords []string `json:"keywords"`
	Value    int      `json:"value"`
	Color    string   `json:"color,omitempty"`
}

// Status is one entry of maniphest.status.search.
type Status struct {
	Name    string `json:"name"`
	Value   string `json:"value"`
	Special string `json:"special,omitempty"`
	Closed  bool   `json:"closed"`
}

// User is one entry of user.search.
type User struct {
	ID     int    `json:"id"`
	PHID   string `json:"phid"`
	Fields struct {
		Username string `json:"username"`
		RealName string `json:"realName"`
	} `json:"fields"`
}

// Project is one entry of project.search.
type Project struct {
	ID     int    `json:"id"`
	PHID   string `json:"phid"`
	Fields struct {
		Name string `json:"name"`
		Slug string `json:"slug"`
	} `json:"fields"`
}

// Task is one entry of maniphest.search.
type Task struct {
	ID     int    `json:"id"`
	PHID   string `json:"phid"`
	Fields struct {
		Name   string `json:"name"`
		Status struct {
			Value string `json:"value"`
			Name  string `json:"name"`
		} `json:"status"`
	} `json:"fields"`
}

// Transaction is one field mutation submitted through maniphest.edit.
type Transaction struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// EditResult is the result of maniphest.edit.
type EditResult struct {
	Object struct {
		ID   int    `json:"id"`
		PHID string `json:"phid"`
	} `json:"object"`
	Transactions []struct {
		PHID string `json:"phid"`
	} `json:"transactions"`
}

// WhoAmI is the result of user.whoami.
type WhoAmI struct {
	PHID     string `json:"phid"`
	UserName string `json:"userName"`
	RealName string `json:"realName"`
}

// searchResult is the common shape of *.search results.
type searchResult[T any] struct {
	Data []T `json:"data"`
}
