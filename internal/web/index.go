package web

// Single-page console: wallet session, deposit, order ticket and live positions.
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <title>Perpgate</title>
  <link href="https://fonts.googleapis.com/css2?family=Press+Start+2P&family=Space+Mono:wght@400;700&display=swap" rel="stylesheet">
  <style>
    :root { --bg:#ffffff; --ink:#111111; --ink-soft:#9c9c9c; --panel:#f6f6f6; --up:#0b8a3e; --down:#c62828; }
    * { box-sizing:border-box; }
    body { margin:0; padding:2rem; background:var(--bg); color:var(--ink); font-family:'Space Mono',monospace; }
    #app { max-width:1100px; margin:0 auto; background:var(--panel); border:3px solid var(--ink); padding:2rem;
      box-shadow:12px 12px 0 rgba(0,0,0,.15); display:grid; grid-template-columns:1fr 340px; gap:2rem; }
    h1 { font-family:'Press Start 2P',monospace; font-size:.8rem; letter-spacing:.15em; margin:0 0 1rem; }
    .card { border:3px solid var(--ink); background:#fff; padding:1.2rem; margin-bottom:1.5rem; box-shadow:6px 6px 0 rgba(0,0,0,.12); }
    .status { font-size:.7rem; text-transform:uppercase; border:2px solid var(--ink); padding:.3rem .8rem; display:inline-block; }
    .muted { color:var(--ink-soft); font-size:.75rem; }
    .error { color:var(--down); font-size:.75rem; white-space:pre-wrap; }
    button { font-family:inherit; border:2px solid var(--ink); background:#fff; padding:.4rem .9rem; cursor:pointer; }
    input, select { font-family:inherit; border:2px solid var(--ink); padding:.3rem; width:100%; margin-bottom:.6rem; }
    table { width:100%; border-collapse:collapse; font-size:.8rem; }
    td, th { text-align:left; padding:.3rem; border-bottom:1px dashed rgba(0,0,0,.2); }
    .long { color:var(--up); } .short { color:var(--down); }
  </style>
</head>
<body>
<div id="app">
  <div>
    <h1>PERPGATE</h1>
    <div class="card">
      <span class="status" id="state">disconnected</span>
      <p id="address" class="muted"></p>
      <p id="equity"></p>
      <button onclick="post('/connect')">Connect</button>
      <button onclick="post('/status/refresh')">Refresh</button>
      <button onclick="post('/disconnect')">Disconnect</button>
      <p id="error" class="error"></p>
    </div>
    <div class="card">
      <table>
        <thead><tr><th>Coin</th><th>Side</th><th>Size</th><th>Entry</th><th>PnL</th><th></th></tr></thead>
        <tbody id="positions"></tbody>
      </table>
    </div>
  </div>
  <div>
    <div class="card">
      <label>Symbol</label><select id="symbol"></select>
      <label>Notional USD</label><input id="notional" value="100" />
      <label>Leverage</label><input id="leverage" value="5" />
      <button onclick="order('buy')">Long</button>
      <button onclick="order('sell')">Short</button>
    </div>
    <div class="card">
      <label>Deposit USDC</label><input id="amount" value="10" />
      <button onclick="post('/deposit', {amount: document.getElementById('amount').value})">Deposit</button>
      <p id="deposit" class="muted"></p>
    </div>
  </div>
</div>
<script>
function showError(body){
  document.getElementById('error').textContent = body && body.error ? (body.detail || body.error) : '';
}
async function post(path, body){
  const res = await fetch(path, {method:'POST', headers:{'Content-Type':'application/json'}, body: body ? JSON.stringify(body) : null});
  const data = await res.json().catch(() => ({}));
  showError(res.ok ? null : data);
  return data;
}
function order(side){
  post('/orders', {
    symbol: document.getElementById('symbol').value,
    side: side,
    notional_usd: document.getElementById('notional').value,
    leverage: parseInt(document.getElementById('leverage').value, 10),
  });
}
function render(s){
  document.getElementById('state').textContent = s.state + (s.orders_pending ? ' (' + s.orders_pending + ')' : '');
  document.getElementById('address').textContent = s.address || '';
  document.getElementById('equity').textContent = s.portfolio ? 'Account value: $' + Number(s.portfolio.account_value).toFixed(2) : '';
  document.getElementById('deposit').textContent = s.deposit ? s.deposit.outcome || 'in flight' : '';
  const rows = (s.portfolio && s.portfolio.positions) || [];
  document.getElementById('positions').innerHTML = rows.map(p =>
    '<tr><td>' + p.coin + '</td><td class="' + p.side + '">' + p.side + '</td><td>' + p.size + '</td><td>' + p.entry_price +
    '</td><td>' + Number(p.unrealized_pnl).toFixed(2) + '</td><td><button onclick="post(\'/positions/' + p.coin + '/close\')">Close</button></td></tr>'
  ).join('');
}
fetch('/markets').then(r => r.json()).then(ms => {
  const sel = document.getElementById('symbol');
  (ms || []).forEach(m => { const o = document.createElement('option'); o.value = m.symbol; o.textContent = m.symbol; sel.appendChild(o); });
}).catch(() => {});
const source = new EventSource('/events');
source.addEventListener('account', e => render(JSON.parse(e.data)));
</script>
</body>
</html>`
